// Command consumer loads queued records into the resolution engine and
// records affected entities in the export tracker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/sqs-entity-resolution/internal/app/bootstrap"
	"github.com/coachpo/sqs-entity-resolution/internal/app/consumer"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/config"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/telemetry"
	"github.com/coachpo/sqs-entity-resolution/internal/observability"
)

const (
	serviceName     = "consumer"
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

	rt, err := bootstrap.Start(ctx, serviceName, bootstrap.ResolveConfigPath(*cfgPath), config.AppConfig.ValidateConsumer)
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
	tracker, err := rt.OpenTracker(ctx)
	if err != nil {
		return err
	}
	q, err := rt.OpenQueue(ctx)
	if err != nil {
		return err
	}

	worker, err := consumer.New(consumer.Options{
		Queue:           q,
		Engine:          eng,
		Tracker:         tracker,
		CallTimeout:     rt.Config.Engine.CallTimeout,
		WaitTime:        rt.Config.Queue.WaitTime,
		MaxPollFailures: rt.Config.Queue.MaxPollFailures,
		Logger:          logger,
		Metrics:         telemetry.NewConsumerMetrics(rt.Meter(telemetry.ConsumerMeter)),
	})
	if err != nil {
		return err
	}

	var lifecycle conc.WaitGroup
	var runErr error
	lifecycle.Go(func() {
		runErr = worker.Run(ctx)
		cancel()
	})

	logger.Info("consumer started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for consumer loop")
	lifecycle.Wait()
	if runErr != nil {
		logger.Error("consumer loop failed", observability.Err(runErr))
		return runErr
	}
	return nil
}
