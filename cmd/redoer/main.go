// Command redoer drains the resolution engine's redo queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/sqs-entity-resolution/internal/app/bootstrap"
	"github.com/coachpo/sqs-entity-resolution/internal/app/redo"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/config"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/telemetry"
	"github.com/coachpo/sqs-entity-resolution/internal/observability"
)

const (
	serviceName     = "redoer"
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", bootstrap.DefaultConfigPath))
	flag.Parse()

	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	rt, err := bootstrap.Start(ctx, serviceName, bootstrap.ResolveConfigPath(*cfgPath), config.AppConfig.ValidateRedoer)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		rt.Shutdown(shutdownCtx)
	}()
	logger := rt.Logger

	eng, err := rt.OpenEngine(ctx)
	if err != nil {
		return err
	}

	drops := redo.NewDropLedger(rt.Config.Redo.DeadLetterCapacity)
	processor, err := redo.New(redo.Options{
		Engine:        eng,
		PollInterval:  rt.Config.Redo.PollInterval,
		RetryInterval: rt.Config.Redo.RetryInterval,
		MaxAttempts:   rt.Config.Redo.MaxAttempts,
		Drops:         drops,
		Logger:        logger,
		Metrics:       telemetry.NewRedoMetrics(rt.Meter(telemetry.RedoerMeter)),
	})
	if err != nil {
		return err
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := processor.Run(ctx); err != nil {
			logger.Error("redo loop failed", observability.Err(err))
		}
	})

	logger.Info("redoer started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for redo loop")
	lifecycle.Wait()

	if len(drops.Totals()) > 0 {
		logger.Warn("redo records dropped during this run", drops.Summary()...)
	}
	return nil
}
