// Package exporter writes resolved entities to object storage as one NDJSON
// artifact per run, in full or delta mode.
package exporter

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/sqs-entity-resolution/internal/domain/engine"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/objectstore"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/trackerstore"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/config"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/telemetry"
	"github.com/coachpo/sqs-entity-resolution/internal/observability"
)

const (
	// DefaultPartSize is the buffered size that triggers a part upload.
	DefaultPartSize       = 10 << 20
	defaultCleanupTimeout = 30 * time.Second
)

// Options configures an Exporter.
type Options struct {
	Mode     config.ExportMode
	Engine   engine.Reporter
	Tracker  trackerstore.Store
	Uploader objectstore.MultipartUploader
	Bucket   string
	Folder   string
	// PartSize is the part upload threshold in bytes. Defaults to DefaultPartSize.
	PartSize int
	// CleanupTimeout bounds abort and rewind after a failure. Defaults to 30s.
	CleanupTimeout time.Duration
	Logger         observability.Logger
	Metrics        *telemetry.ExporterMetrics
	Clock          func() time.Time
	NewRunID       func() string
}

// Result summarises one run.
type Result struct {
	RunID    string
	Mode     config.ExportMode
	Key      string
	Parts    int
	Bytes    int64
	Entities int64
	// Claimed and Skipped are set in delta mode only.
	Claimed int
	Skipped int
}

// Exporter performs one export per Run call.
type Exporter struct {
	mode           config.ExportMode
	engine         engine.Reporter
	tracker        trackerstore.Store
	uploader       objectstore.MultipartUploader
	bucket         string
	folder         string
	partSize       int
	cleanupTimeout time.Duration
	logger         observability.Logger
	metrics        *telemetry.ExporterMetrics
	clock          func() time.Time
	newRunID       func() string
}

// New validates opts and constructs an Exporter.
func New(opts Options) (*Exporter, error) {
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("exporter: invalid mode %q", opts.Mode)
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("exporter: engine required")
	}
	if opts.Uploader == nil {
		return nil, fmt.Errorf("exporter: uploader required")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("exporter: bucket required")
	}
	if opts.Mode == config.ExportDelta && opts.Tracker == nil {
		return nil, fmt.Errorf("exporter: tracker required in delta mode")
	}
	e := &Exporter{
		mode:           opts.Mode,
		engine:         opts.Engine,
		tracker:        opts.Tracker,
		uploader:       opts.Uploader,
		bucket:         opts.Bucket,
		folder:         opts.Folder,
		partSize:       opts.PartSize,
		cleanupTimeout: opts.CleanupTimeout,
		logger:         observability.With(opts.Logger, observability.F("component", "exporter")),
		metrics:        opts.Metrics,
		clock:          opts.Clock,
		newRunID:       opts.NewRunID,
	}
	if e.partSize <= 0 {
		e.partSize = DefaultPartSize
	}
	if e.cleanupTimeout <= 0 {
		e.cleanupTimeout = defaultCleanupTimeout
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewExporterMetrics(nil)
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.newRunID == nil {
		e.newRunID = uuid.NewString
	}
	return e, nil
}

// runState tracks what a failed run must undo.
type runState struct {
	src     source
	upload  *objectstore.Upload
	claimed bool
}

// Run performs one export. On failure the multipart upload is aborted, claimed
// tracker rows are rewound and the report cursor is closed; Run never retries.
func (e *Exporter) Run(ctx context.Context) (res Result, err error) {
	start := e.clock()
	res = Result{
		RunID: e.newRunID(),
		Mode:  e.mode,
		Key:   ObjectKey(e.folder, e.mode, start),
	}
	log := observability.With(e.logger,
		observability.F("run_id", res.RunID),
		observability.F("mode", string(e.mode)),
		observability.F("bucket", e.bucket),
		observability.F("key", res.Key))
	defer func() {
		e.metrics.RecordRun(ctx, string(e.mode), err == nil, e.clock().Sub(start), res.Entities, res.Bytes)
	}()

	log.Info("export started")
	var st runState

	if e.mode == config.ExportDelta {
		e.logTally(ctx, log, "tracker before claim")
		ids, claimErr := e.tracker.ClaimTodo(ctx)
		if claimErr != nil {
			return res, e.fail(ctx, log, &st, fmt.Errorf("claim tracker rows: %w", claimErr))
		}
		st.claimed = true
		res.Claimed = len(ids)
		log.Info("tracker rows claimed", observability.F("entities", len(ids)))
		e.logTally(ctx, log, "tracker after claim")
		st.src = &entitySource{reporter: e.engine, ids: ids, logger: log}
	} else {
		src, openErr := openReport(ctx, e.engine)
		if openErr != nil {
			return res, e.fail(ctx, log, &st, openErr)
		}
		st.src = src
		log.Info("entity report opened")
	}

	up, err := e.uploader.Open(ctx, e.bucket, res.Key, ContentType)
	if err != nil {
		return res, e.fail(ctx, log, &st, fmt.Errorf("open multipart upload: %w", err))
	}
	st.upload = &up
	log.Debug("multipart upload opened", observability.F("upload_id", up.ID))

	parts, err := e.stream(ctx, st.src, up, &res, log)
	if err != nil {
		return res, e.fail(ctx, log, &st, err)
	}
	if es, ok := st.src.(*entitySource); ok {
		res.Skipped = es.skipped
	}
	if err := st.src.close(ctx); err != nil {
		return res, e.fail(ctx, log, &st, err)
	}

	if err := e.uploader.Complete(ctx, up, parts); err != nil {
		return res, e.fail(ctx, log, &st, fmt.Errorf("complete multipart upload: %w", err))
	}
	st.upload = nil
	log.Info("artifact uploaded",
		observability.F("parts", res.Parts),
		observability.F("bytes", res.Bytes),
		observability.F("entities", res.Entities))

	if e.mode == config.ExportDelta {
		done, commitErr := e.tracker.CompleteInProgress(ctx, res.Key)
		if commitErr != nil {
			log.Error("artifact written but tracker commit failed, entities will be exported again",
				observability.Err(commitErr))
			return res, e.fail(ctx, log, &st, fmt.Errorf("commit tracker rows: %w", commitErr))
		}
		st.claimed = false
		log.Info("tracker rows committed", observability.F("rows", done))
		e.logTally(ctx, log, "tracker after commit")
	}

	log.Info("export finished",
		observability.F("duration", e.clock().Sub(start)),
		observability.F("skipped", res.Skipped))
	return res, nil
}

// stream drains src into numbered parts. An empty trailing buffer is only
// uploaded when no part exists yet, so an empty export is one zero-byte part.
func (e *Exporter) stream(ctx context.Context, src source, up objectstore.Upload, res *Result, log observability.Logger) ([]objectstore.Part, error) {
	var (
		buf   bytes.Buffer
		parts []objectstore.Part
	)
	for {
		chunk, done, err := src.next(ctx)
		if err != nil {
			return parts, err
		}
		if !done {
			buf.Write(chunk)
			if !bytes.HasSuffix(chunk, []byte{'\n'}) {
				buf.WriteByte('\n')
			}
			res.Entities += countLines(chunk)
		}
		if buf.Len() >= e.partSize || (done && (buf.Len() > 0 || len(parts) == 0)) {
			number := int32(len(parts) + 1)
			part, err := e.uploader.UploadPart(ctx, up, number, buf.Bytes())
			if err != nil {
				return parts, fmt.Errorf("upload part %d: %w", number, err)
			}
			log.Debug("part uploaded",
				observability.F("part", number),
				observability.F("bytes", buf.Len()))
			parts = append(parts, part)
			res.Parts = len(parts)
			res.Bytes += int64(buf.Len())
			buf.Reset()
		}
		if done {
			return parts, nil
		}
	}
}

// fail undoes whatever the run set up and returns cause joined with any
// cleanup failures. Cleanup runs even when ctx is already cancelled.
func (e *Exporter) fail(ctx context.Context, log observability.Logger, st *runState, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cleanupTimeout)
	defer cancel()

	errList := []error{cause}
	if st.upload != nil {
		if err := e.uploader.Abort(cleanupCtx, *st.upload); err != nil {
			errList = append(errList, fmt.Errorf("abort multipart upload: %w", err))
		} else {
			log.Info("multipart upload aborted", observability.F("upload_id", st.upload.ID))
		}
		st.upload = nil
	}
	if st.claimed {
		if n, err := e.tracker.RewindInProgress(cleanupCtx); err != nil {
			errList = append(errList, fmt.Errorf("rewind tracker rows: %w", err))
		} else {
			log.Info("tracker rows rewound", observability.F("rows", n))
		}
		st.claimed = false
	}
	if st.src != nil {
		if err := st.src.close(cleanupCtx); err != nil {
			errList = append(errList, err)
		}
	}
	return observability.AggregateErrors(log, "export", errList)
}

func (e *Exporter) logTally(ctx context.Context, log observability.Logger, msg string) {
	tally, err := e.tracker.Tally(ctx)
	if err != nil {
		log.Warn("tracker tally failed", observability.Err(err))
		return
	}
	log.Info(msg,
		observability.F("todo", tally.Todo),
		observability.F("in_progress", tally.InProgress),
		observability.F("done", tally.Done),
		observability.F("skipped", tally.Skipped))
}
