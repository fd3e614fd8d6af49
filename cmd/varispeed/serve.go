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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satindergrewal/varispeed/internal/config"
	"github.com/satindergrewal/varispeed/internal/server"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		port, maxSessions int
		mediaRoot         string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP session server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("max-sessions") {
				cfg.MaxSessions = maxSessions
			}
			if cmd.Flags().Changed("media-root") {
				cfg.MediaRoot = mediaRoot
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP port (overrides VARISPEED_PORT)")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 16, "session limit (overrides VARISPEED_MAX_SESSIONS)")
	cmd.Flags().StringVar(&mediaRoot, "media-root", ".", "directory load paths must stay inside, empty for any (overrides VARISPEED_MEDIA_ROOT)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(server.Options{
		MaxSessions:  cfg.MaxSessions,
		MediaRoot:    cfg.MediaRoot,
		FFmpegPath:   cfg.FFmpegPath,
		FrameSize:    cfg.FrameSize,
		EndTolerance: cfg.EndTolerance,
		KeepParams:   cfg.KeepParams,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- httpSrv.ListenAndServe() }()
	log.Info("varispeed live",
		zap.String("addr", addr),
		zap.Int("max_sessions", cfg.MaxSessions),
		zap.String("media_root", cfg.MediaRoot),
	)

	select {
	case err := <-errc:
		srv.Close()
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	// Sessions first so streams and websockets return and Shutdown can drain.
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", zap.Error(err))
		return httpSrv.Close()
	}
	return nil
}
