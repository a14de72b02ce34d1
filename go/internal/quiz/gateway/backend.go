package gateway

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spellingbee/go/internal/quiz/config"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/mcdev12/spellingbee/go/internal/quiz/replog"
	"github.com/mcdev12/spellingbee/go/internal/quiz/replog/natslog"
	"github.com/mcdev12/spellingbee/go/internal/quiz/replog/pglog"
)

// OpenBackend connects the replicated log selected by cfg.Backend. It returns
// a nil backend for "none".
func OpenBackend(ctx context.Context, cfg *config.Config) (replog.Backend, error) {
	switch cfg.Backend {
	case config.BackendNone, "":
		return nil, nil

	case config.BackendMemory:
		return replog.NewMemoryBackend(clockwork.NewRealClock()), nil

	case config.BackendNATS:
		codec, err := envelope.CodecByName(cfg.NATS.Codec)
		if err != nil {
			return nil, err
		}
		natsCfg := natslog.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Codec = codec
		if cfg.NATS.Stream != "" {
			natsCfg.StreamName = cfg.NATS.Stream
		}
		if cfg.NATS.SubjectPrefix != "" {
			natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		if cfg.NATS.MaxAge > 0 {
			natsCfg.MaxAge = cfg.NATS.MaxAge
		}
		backend, err := natslog.New(ctx, natsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open nats log: %w", err)
		}
		return backend, nil

	case config.BackendPostgres:
		pgCfg := pglog.DefaultConfig()
		pgCfg.DatabaseURL = cfg.Postgres.URL()
		if cfg.Postgres.PollInterval > 0 {
			pgCfg.FallbackInterval = cfg.Postgres.PollInterval
		}
		backend, err := pglog.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres log: %w", err)
		}
		return backend, nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, cfg.Backend)
}
