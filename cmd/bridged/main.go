package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"lmsbridge/internal/app"
)

func main() {
	// The standalone daemon runs without host collaborators: no superadmin
	// provisioning, no tenant directory, synthetic actor summaries. Hosts
	// embedding the bridge supply their own through app.New.
	application, err := app.New(app.Collaborators{})
	if err != nil {
		slog.Error("failed to initialize bridge", slog.String("error", err.Error()))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		application.Logger.Info("signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			application.Logger.Error("server failed", slog.String("error", err.Error()))
		}
	}

	if err := application.Shutdown(context.Background()); err != nil {
		application.Logger.Error("shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
