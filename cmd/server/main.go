package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mx-space/newsletter/internal/app"
	"github.com/mx-space/newsletter/internal/config"
	"github.com/mx-space/newsletter/internal/pkg/nativelog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "newsletter",
		Short:         "Newsletter API and digest scheduler",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "path to YAML config file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	keep, _ := cfg.LogRotateKeepCount()
	logger, err := nativelog.NewZapLogger(nativelog.Options{Dir: cfg.LogDir(), Keep: keep, Debug: cfg.IsDev()})
	if err != nil {
		logger, _ = zap.NewProduction()
		logger.Warn("file logging unavailable, using stdout only", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.New(logger, cfg)
	if err != nil {
		logger.Error("failed to initialize app", zap.Error(err))
		return err
	}
	defer application.Shutdown()

	srv := &http.Server{
		Addr:              application.Addr(),
		Handler:           application.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	return nil
}
