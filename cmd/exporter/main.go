// Command exporter writes one entity export artifact to object storage and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coachpo/sqs-entity-resolution/internal/app/bootstrap"
	"github.com/coachpo/sqs-entity-resolution/internal/app/exporter"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/trackerstore"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/config"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/telemetry"
	"github.com/coachpo/sqs-entity-resolution/internal/observability"
)

const (
	serviceName     = "exporter"
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath = flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", bootstrap.DefaultConfigPath))
		mode    = flag.String("mode", "", "Export mode override (full|delta)")
	)
	flag.Parse()

	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	if *mode != "" {
		if err := os.Setenv("EXPORT_MODE", *mode); err != nil {
			return fmt.Errorf("apply -mode: %w", err)
		}
	}
	rt, err := bootstrap.Start(ctx, serviceName, bootstrap.ResolveConfigPath(*cfgPath), config.AppConfig.ValidateExporter)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		rt.Shutdown(shutdownCtx)
	}()
	logger := rt.Logger
	exportCfg := rt.Config.Export

	eng, err := rt.OpenEngine(ctx)
	if err != nil {
		return err
	}
	uploader, err := rt.OpenUploader(ctx)
	if err != nil {
		return err
	}
	var tracker trackerstore.Store
	if exportCfg.Mode == config.ExportDelta {
		store, err := rt.OpenTracker(ctx)
		if err != nil {
			return err
		}
		tracker = store
	}

	exp, err := exporter.New(exporter.Options{
		Mode:     exportCfg.Mode,
		Engine:   eng,
		Tracker:  tracker,
		Uploader: uploader,
		Bucket:   exportCfg.Bucket,
		Folder:   exportCfg.Folder,
		PartSize: int(exportCfg.PartSizeBytes),
		Logger:   logger,
		Metrics:  telemetry.NewExporterMetrics(rt.Meter(telemetry.ExporterMeter)),
	})
	if err != nil {
		return err
	}

	res, err := exp.Run(ctx)
	if err != nil {
		return fmt.Errorf("export %s failed: %w", res.RunID, err)
	}
	logger.Info("export complete",
		observability.F("key", res.Key),
		observability.F("entities", res.Entities),
		observability.F("bytes", res.Bytes))
	return nil
}
