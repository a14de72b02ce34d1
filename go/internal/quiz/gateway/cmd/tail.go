package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/mcdev12/spellingbee/go/internal/quiz/config"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/mcdev12/spellingbee/go/internal/quiz/gateway"
	"github.com/mcdev12/spellingbee/go/internal/quiz/replog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newTailCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Print the entries of a room as JSON lines",
		Long: `Tail the replicated log of a room. The most recent entry is printed first,
then every new entry as it is appended, one JSON object per line.

Examples:
  spellingbee tail --backend nats --room gym-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			backend, err := openReplicated(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			sub, err := backend.Tail(ctx, cfg.Room, func(entry envelope.Entry) {
				if err := enc.Encode(entry); err != nil {
					log.Error().Err(err).Str("key", entry.Key).Msg("failed to print entry")
				}
			})
			if err != nil {
				return fmt.Errorf("failed to tail room %s: %w", cfg.Room, err)
			}
			defer sub.Stop()

			log.Info().Str("room", cfg.Room).Str("backend", string(cfg.Backend)).Msg("tailing room")
			<-ctx.Done()
			return nil
		},
	}
}

// openReplicated opens a backend shared with other processes.
func openReplicated(ctx context.Context, cfg *config.Config) (replog.Backend, error) {
	switch cfg.Backend {
	case config.BackendNATS, config.BackendPostgres:
	default:
		return nil, fmt.Errorf("%w: backend %q is not shared between processes, use nats or postgres", config.ErrInvalidConfig, cfg.Backend)
	}
	return gateway.OpenBackend(ctx, cfg)
}
