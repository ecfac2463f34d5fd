package observability

import (
	"errors"
	"fmt"

	"github.com/coachpo/sqs-entity-resolution/errs"
)

// AggregateErrors logs every non-nil error from a multi-step cleanup under one
// entry and returns them joined. It returns nil when all errors are nil.
func AggregateErrors(logger Logger, operation string, errList []error, fields ...Field) error {
	var failed []error
	var messages []string
	var codes []string
	for _, err := range errList {
		if err == nil {
			continue
		}
		failed = append(failed, err)
		messages = append(messages, err.Error())
		if code := errs.CodeOf(err); code != "" {
			codes = append(codes, string(code))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if logger == nil {
		logger = Log()
	}
	entry := make([]Field, 0, len(fields)+4)
	entry = append(entry, fields...)
	entry = append(entry,
		F("operation", operation),
		F("error_count", len(failed)),
		F("errors", messages),
	)
	if len(codes) > 0 {
		entry = append(entry, F("codes", codes))
	}
	logger.Error(operation+" failed", entry...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(failed...))
}
