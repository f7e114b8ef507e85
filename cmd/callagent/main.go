package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/wajeehaljunaid491/mimi-calls/internal/agent"
	"github.com/wajeehaljunaid491/mimi-calls/internal/logging"
	"github.com/wajeehaljunaid491/mimi-calls/internal/prometheus"
	"go.uber.org/zap"
)

func main() {
	go prometheus.Run()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		ctx, cancel := context.WithCancel(rootCtx)

		app, err := agent.NewApp(cancel)
		if err != nil {
			logging.Logger.Fatal("failed to create call agent app", zap.String("error", err.Error()))
		}

		err = app.Run(ctx)
		if err != nil {
			panic(err)
		}

		<-ctx.Done()

		if rootCtx.Err() != nil {
			logging.Logger.Info("shutdown signal received, exiting")
			cancel()

			return
		}

		app.HealthCheckerService.Check()

		cancel()
	}
}
