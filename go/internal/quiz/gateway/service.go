package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spellingbee/go/internal/quiz/config"
	"github.com/mcdev12/spellingbee/go/internal/quiz/dedup"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/mcdev12/spellingbee/go/internal/quiz/replog"
	"github.com/mcdev12/spellingbee/go/internal/quiz/roomsync"
	"github.com/mcdev12/spellingbee/go/internal/quiz/timer"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Dependencies are the resources a Service is built on. Nil fields run
// without them: no Backend means local-only sync.
type Dependencies struct {
	Backend   replog.Backend
	RoomStore roomsync.RoomStore
	Clock     clockwork.Clock
}

// Service is the room gateway of one device: the sync facade, a server-side
// timer reconciler and the screens attached over WebSocket.
type Service struct {
	cfg   *config.Config
	clock clockwork.Clock

	facade            *roomsync.Facade
	reconciler        *timer.Reconciler
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler

	unsubscribe []func()
	stopOnce    sync.Once
	stopErr     error
}

func NewService(cfg *config.Config, deps Dependencies) *Service {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	transport := replog.NewTransport(deps.Backend, replog.Config{
		AppendTimeout: cfg.Sync.AppendTimeout,
		QueueSize:     cfg.Sync.AppendQueue,
	})

	facade := roomsync.New(roomsync.Options{
		Transport:  transport,
		Room:       cfg.Room,
		RoomStore:  deps.RoomStore,
		Clock:      deps.Clock,
		StaleAfter: cfg.Sync.StaleAfter,
		Dedup: dedup.Config{
			MaxSignatures:  cfg.Sync.DedupMax,
			KeepSignatures: cfg.Sync.DedupKeep,
		},
	})

	reconciler := timer.NewReconciler(timer.Options{
		Clock:        deps.Clock,
		TickInterval: cfg.Sync.TickInterval,
		Authority:    cfg.Sync.Authority,
		Publisher:    facade,
	})

	connCfg := DefaultConnectionConfig()
	if cfg.Gateway.ReadTimeout > 0 {
		connCfg.ReadTimeout = cfg.Gateway.ReadTimeout
	}
	if cfg.Gateway.WriteTimeout > 0 {
		connCfg.WriteTimeout = cfg.Gateway.WriteTimeout
	}
	if cfg.Gateway.PingInterval > 0 {
		connCfg.PingInterval = cfg.Gateway.PingInterval
	}
	if cfg.Gateway.MaxMessageSize > 0 {
		connCfg.MaxMessageSize = cfg.Gateway.MaxMessageSize
	}
	connCfg.CheckOrigin = originChecker(cfg.Gateway.AllowedOrigins)
	connectionManager := NewConnectionManager(connCfg, facade)

	s := &Service{
		cfg:               cfg,
		clock:             deps.Clock,
		facade:            facade,
		reconciler:        reconciler,
		connectionManager: connectionManager,
	}
	s.wsHandler = NewWebSocketHandler(connectionManager, facade)
	s.stateHandler = NewStateHandler(s)

	s.unsubscribe = append(s.unsubscribe,
		facade.Subscribe(reconciler.Handle),
		facade.SubscribeEntries(connectionManager.BroadcastEntry),
		facade.OnRoomChange(connectionManager.BroadcastRoom),
	)

	return s
}

// Start runs the broadcast loop and the retention pruner until ctx is done,
// then stops the service.
func (s *Service) Start(ctx context.Context) error {
	log.Info().
		Str("room", s.facade.Room()).
		Bool("replicated", s.facade.Replicated()).
		Bool("authority", s.cfg.Sync.Authority).
		Msg("starting room gateway service")

	go s.connectionManager.Start(ctx)
	go s.pruneLoop(ctx)

	<-ctx.Done()

	log.Info().Msg("room gateway service shutting down")
	return s.Stop()
}

func (s *Service) pruneLoop(ctx context.Context) {
	retention := s.cfg.Sync.Retention
	interval := s.cfg.Sync.PruneInterval
	if !s.facade.Replicated() || retention <= 0 || interval <= 0 {
		return
	}

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := s.facade.Prune(ctx, retention)
			if err != nil {
				log.Error().Err(err).Msg("failed to prune room log")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Dur("retention", retention).Msg("pruned room log")
			}
		}
	}
}

// Stop tears down subscriptions, the reconciler and the facade. It is safe to
// call more than once.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		for _, unsubscribe := range s.unsubscribe {
			unsubscribe()
		}
		s.reconciler.Close()
		s.stopErr = s.facade.Close()
		log.Info().Msg("room gateway service stopped")
	})
	return s.stopErr
}

func (s *Service) Room() string { return s.facade.Room() }

// SetRoom moves the device to room. The countdown of the previous room is
// cleared before the new room's latest entry is replayed.
func (s *Service) SetRoom(room string) error {
	if room == "" {
		return roomsync.ErrEmptyRoom
	}
	if room == s.facade.Room() {
		return nil
	}
	s.reconciler.Handle(envelope.NewClear())
	return s.facade.SetRoom(room)
}

func (s *Service) Timer() timer.Snapshot { return s.reconciler.Snapshot() }

func (s *Service) Stats() Stats {
	return Stats{
		Sync:        s.facade.Stats(),
		Connections: s.connectionManager.GetConnectionStats(),
		Timer:       s.reconciler.Snapshot(),
	}
}

// Facade exposes the sync facade for in-process producers.
func (s *Service) Facade() *roomsync.Facade { return s.facade }

// RegisterRoutes registers the WebSocket and REST routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	log.Info().Msg("room gateway routes registered")
}

// Handler returns every route wrapped with CORS and h2c.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: s.cfg.Gateway.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
