package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/sqs-entity-resolution/errs"
)

type recordingLogger struct {
	entries []string
	fields  [][]Field
}

func (r *recordingLogger) record(level, msg string, fields []Field) {
	r.entries = append(r.entries, level+":"+msg)
	r.fields = append(r.fields, fields)
}

func (r *recordingLogger) Debug(msg string, fields ...Field) { r.record("debug", msg, fields) }
func (r *recordingLogger) Info(msg string, fields ...Field)  { r.record("info", msg, fields) }
func (r *recordingLogger) Warn(msg string, fields ...Field)  { r.record("warn", msg, fields) }
func (r *recordingLogger) Error(msg string, fields ...Field) { r.record("error", msg, fields) }

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	Log().Debug("test")
	require.Equal(t, []string{"debug:test"}, recorder.entries)

	SetLogger(nil)
	Log().Info("noop")
	require.Len(t, recorder.entries, 1)
}

func TestWithPrependsBoundFields(t *testing.T) {
	recorder := new(recordingLogger)
	logger := With(recorder, F("component", "consumer"))

	logger.Warn("released", F("ack_token", "tok-1"))

	require.Equal(t, []string{"warn:released"}, recorder.entries)
	require.Equal(t, []Field{F("component", "consumer"), F("ack_token", "tok-1")}, recorder.fields[0])
}

func TestZerologLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(LogOptions{Level: "debug", Service: "redoer", Output: &buf})

	logger.Error("redo dropped", F("attempts_left", 0), Err(errors.New("boom")), F("wait", 2*time.Second))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "error", entry["level"])
	require.Equal(t, "redoer", entry["service"])
	require.Equal(t, "redo dropped", entry["message"])
	require.Equal(t, "boom", entry["error"])
	require.EqualValues(t, 0, entry["attempts_left"])
}

func TestZerologLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(LogOptions{Level: "warn", Output: &buf})

	logger.Info("hidden")
	logger.Debug("hidden")
	require.Zero(t, buf.Len())

	logger.Warn("shown")
	require.True(t, strings.Contains(buf.String(), "shown"))
}

func TestAggregateErrorsSkipsNil(t *testing.T) {
	recorder := new(recordingLogger)
	require.NoError(t, AggregateErrors(recorder, "cleanup", []error{nil, nil}))
	require.Empty(t, recorder.entries)

	first := errors.New("abort failed")
	second := errs.New("tracker", errs.CodeTracker, errs.WithMessage("rewind failed"))
	err := AggregateErrors(recorder, "cleanup", []error{first, nil, second})
	require.Error(t, err)
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, second)
	require.Equal(t, []string{"error:cleanup failed"}, recorder.entries)
	require.Contains(t, recorder.fields[0], F("error_count", 2))
	require.Contains(t, recorder.fields[0], F("codes", []string{"tracker"}))
}
