package main

import (
	"context"
	"os"
	"time"

	"kasku/internal/amqp"
	"kasku/internal/backend"
	"kasku/internal/cli"
	"kasku/internal/worker"
)

func main() {
	logger, cfg, repo := cli.Bootstrap()
	defer repo.Close()

	logger.Info("Starting kasku-worker")

	sinkCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Failed to derive sink configuration", "error", err)
		os.Exit(1)
	}
	sink, err := backend.NewSink(context.Background(), sinkCfg)
	if err != nil {
		logger.Error("Failed to initialize recap sink", "error", err)
		os.Exit(1)
	}
	logger.Info("Recap sink initialized", "type", sinkCfg.Type.String())

	recapWorker := worker.NewRecapWorker(repo, sink, cfg.ExportBatchSize)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	// Recover anything that accumulated while the worker was down.
	logger.Info("Performing startup export sweep...")
	if err := recapWorker.StartupCheck(ctx); err != nil {
		logger.Error("Startup export sweep failed", "error", err)
		// Don't exit - the periodic sweep retries
	}

	// AMQP consumption is optional; the periodic sweep alone keeps the recap
	// complete, just with more latency.
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", "error", err)
			os.Exit(1)
		}
		defer amqpClient.Close()

		go func() {
			if err := amqpClient.ConsumeEntryExports(ctx, recapWorker.HandleExportMessage); err != nil {
				if err != context.Canceled {
					logger.Error("Message consumption failed", "error", err)
				}
			}
		}()
	} else {
		logger.Info("AMQP disabled - relying on the periodic sweep only")
	}

	ticker := time.NewTicker(cfg.ExportInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := recapWorker.ProcessUnexported(ctx); err != nil {
					logger.Error("Periodic export sweep failed", "error", err)
				}
			}
		}
	}()

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully")
}
