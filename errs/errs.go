// Package errs provides structured error types and helpers shared by the
// consumer, redoer and exporter services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category that callers branch on.
type Code string

const (
	// CodeRetryable indicates a transient failure that may succeed when retried.
	CodeRetryable Code = "retryable"
	// CodeUnknownDataSource indicates the engine has never seen the record's data source.
	CodeUnknownDataSource Code = "unknown_data_source"
	// CodeNotFound indicates a missing resource, e.g. an entity deleted by the engine.
	CodeNotFound Code = "not_found"
	// CodeMalformed indicates an input that cannot be parsed.
	CodeMalformed Code = "malformed"
	// CodeDeadline indicates a call that was abandoned after its deadline.
	CodeDeadline Code = "deadline"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeEngine indicates a non-retryable resolution engine failure.
	CodeEngine Code = "engine"
	// CodeStorage indicates an object storage failure.
	CodeStorage Code = "storage"
	// CodeTracker indicates an export tracker failure.
	CodeTracker Code = "tracker"
)

// E captures structured error information produced across the services.
type E struct {
	Component   string
	Code        Code
	Message     string
	Remediation string
	Fields      map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		Message:     "",
		Remediation: "",
		Fields:      nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithFields merges the provided diagnostic fields into the error envelope.
func WithFields(fields map[string]string) Option {
	return func(e *E) {
		if len(fields) == 0 {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, len(fields))
		}
		for k, v := range fields {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Fields[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single diagnostic key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the outermost envelope in err's chain, or the empty
// code when err carries none.
func CodeOf(err error) Code {
	var target *E
	if errors.As(err, &target) && target != nil {
		return target.Code
	}
	return ""
}

// Is reports whether any envelope in err's chain carries code.
func Is(err error, code Code) bool {
	for err != nil {
		var target *E
		if !errors.As(err, &target) || target == nil {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.cause
	}
	return false
}

// Retryable reports whether err is classified as transient.
func Retryable(err error) bool {
	return Is(err, CodeRetryable) || Is(err, CodeUnavailable)
}
