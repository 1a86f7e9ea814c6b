package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"discord-map-bridge/backend/pkg/config"
	"discord-map-bridge/backend/pkg/di"
	"discord-map-bridge/backend/pkg/logger"

	"github.com/spf13/cobra"
)

const fetchTimeout = time.Minute

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "bridge",
		Short:         "Serve a Discord channel's recent messages next to a proxied map server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to a TOML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP bridge (default)",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "fetch",
		Short: "Refresh once and print the resolved messages as JSON",
		RunE:  runFetch,
	})
	return root
}

func loadContainer() (*di.Container, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	log := di.NewLogger(cfg.Logging)
	logger.SetGlobal(log)

	container, err := di.New(cfg, log)
	if err != nil {
		log.LogError(err, "Failed to initialize dependency container")
		return nil, nil, err
	}
	return container, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	container, log, err := loadContainer()
	if err != nil {
		return err
	}
	cfg := container.Config

	log.Info("Starting application", "version", os.Getenv("APP_VERSION"), "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           container.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case runErr = <-serveErr:
		if runErr != nil {
			log.LogError(runErr, "Server failed to start")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Server forced to shutdown")
	}
	if err := container.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "Failed to release resources")
	}

	log.Info("Server exited gracefully")
	return runErr
}

func runFetch(cmd *cobra.Command, _ []string) error {
	container, log, err := loadContainer()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), container.Config.Server.ShutdownTimeout)
		defer cancel()
		_ = container.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), fetchTimeout)
	defer cancel()

	if err := container.FetchOnce(ctx); err != nil {
		log.LogError(err, "Fetch failed")
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(container.Messages.Read().Messages)
}
