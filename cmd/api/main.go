package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"school-portal/internal/app"
)

func main() {
	runtime, err := app.Build(app.Options{
		LoadDotEnv:    true,
		RunMigrations: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", runtime.Port),
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	runtime.Logger.Info("server_start", map[string]any{"addr": server.Addr})
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		runtime.Logger.Error("server_failed", map[string]any{"error": err.Error()})
		_ = runtime.Close()
		os.Exit(1)
	}

	if err := runtime.Close(); err != nil {
		runtime.Logger.Error("shutdown_failed", map[string]any{"error": err.Error()})
	}
}
