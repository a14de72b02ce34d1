package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcdev12/spellingbee/go/internal/quiz/config"
	"github.com/mcdev12/spellingbee/go/internal/quiz/gateway"
	"github.com/mcdev12/spellingbee/go/internal/quiz/roomstore"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the room gateway",
		Long: `Run the room gateway: screens connect over WebSocket at /ws/room and every
message is shared with the other devices of the room through the replicated log.

Examples:
  spellingbee serve --backend nats --room gym-1
  spellingbee serve --config quiz.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := gateway.Dependencies{}

	if cfg.StateFile != "" {
		store, err := roomstore.Open(cfg.StateFile)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.StateFile).Msg("failed to open state file, active room will not persist")
		} else {
			defer store.Close()
			deps.RoomStore = store
		}
	}

	backend, err := gateway.OpenBackend(ctx, cfg)
	if err != nil {
		// A log we cannot reach leaves the device in local-only mode.
		log.Warn().Err(err).Str("backend", string(cfg.Backend)).Msg("replicated log unavailable, continuing local-only")
		backend = nil
	}
	deps.Backend = backend

	service := gateway.NewService(cfg, deps)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Gateway.Port),
		Handler:      service.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serviceDone := make(chan error, 1)
	go func() {
		serviceDone <- service.Start(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("room", cfg.Room).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	if err := <-serviceDone; err != nil {
		return fmt.Errorf("room gateway stopped with error: %w", err)
	}
	log.Info().Msg("room gateway shutdown complete")
	return nil
}
