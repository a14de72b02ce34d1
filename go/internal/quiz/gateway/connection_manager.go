package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/spellingbee/go/internal/quiz/envelope"
	"github.com/mcdev12/spellingbee/go/internal/quiz/roomsync"
	"github.com/rs/zerolog/log"
)

// Publisher accepts envelopes sent by screens.
type Publisher interface {
	Publish(env envelope.Envelope) (envelope.Entry, error)
}

// ConnectionManager manages the WebSocket connections of every screen
// attached to this device.
type ConnectionManager struct {
	// Connection pools organized by screen kind
	screens map[Screen]map[*Connection]bool
	mu      sync.RWMutex

	upgrader  websocket.Upgrader
	config    ConnectionConfig
	publisher Publisher

	broadcastCh chan BroadcastMessage
	dropped     atomic.Uint64
	rejected    atomic.Uint64
}

// Connection represents a WebSocket connection to a screen
type Connection struct {
	ID      string
	Screen  Screen
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
	closed      bool // guarded by Manager.mu
}

type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	BroadcastBuffer int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is one payload queued for delivery. An empty Screen
// targets every screen.
type BroadcastMessage struct {
	Payload []byte
	Screen  Screen
	Kind    string
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		BroadcastBuffer: 1000,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a connection manager that forwards screen
// messages to publisher.
func NewConnectionManager(config ConnectionConfig, publisher Publisher) *ConnectionManager {
	defaults := DefaultConnectionConfig()
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}
	if config.BroadcastBuffer <= 0 {
		config.BroadcastBuffer = defaults.BroadcastBuffer
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}

	return &ConnectionManager{
		screens: make(map[Screen]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		publisher:   publisher,
		broadcastCh: make(chan BroadcastMessage, config.BroadcastBuffer),
	}
}

// Start processes broadcast messages until ctx is done.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and queues the
// greeting messages before anything else.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, screen Screen, greeting ...any) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Screen:      screen,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBuffer),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	for _, msg := range greeting {
		data, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Msg("failed to marshal greeting")
			continue
		}
		connection.Send <- data
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("screen", string(screen)).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.screens[conn.Screen] == nil {
		cm.screens[conn.Screen] = make(map[*Connection]bool)
	}
	cm.screens[conn.Screen][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("screen", string(conn.Screen)).
		Int("screen_connections", len(cm.screens[conn.Screen])).
		Msg("connection registered")
}

// unregisterConnection removes conn and closes its send channel once.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.closed {
		return
	}
	conn.closed = true
	close(conn.Send)

	if connections, exists := cm.screens[conn.Screen]; exists {
		delete(connections, conn)
		if len(connections) == 0 {
			delete(cm.screens, conn.Screen)
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("screen", string(conn.Screen)).
		Msg("connection unregistered")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.screens {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
	}
}

// Broadcast queues v for every screen, or only for the given screen.
func (cm *ConnectionManager) Broadcast(kind string, v any, screen Screen) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("failed to marshal broadcast")
		return
	}

	select {
	case cm.broadcastCh <- BroadcastMessage{Payload: data, Screen: screen, Kind: kind}:
	default:
		cm.dropped.Add(1)
		log.Warn().Str("kind", kind).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastEntry pushes a synced entry to every screen.
func (cm *ConnectionManager) BroadcastEntry(entry envelope.Entry, source roomsync.Source) {
	cm.Broadcast(string(entry.Payload.Type), NewEntryMessage(entry, source), "")
}

// BroadcastRoom tells every screen the device moved to room.
func (cm *ConnectionManager) BroadcastRoom(room string) {
	cm.Broadcast("room", NewRoomNotice(room), "")
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	var slow []*Connection
	delivered := 0

	cm.mu.RLock()
	for screen, connections := range cm.screens {
		if message.Screen != "" && screen != message.Screen {
			continue
		}
		for conn := range connections {
			select {
			case conn.Send <- message.Payload:
				delivered++
			default:
				slow = append(slow, conn)
			}
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("screen", string(conn.Screen)).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("kind", message.Kind).
		Int("connections", delivered).
		Msg("message broadcasted")
}

// send queues data for one connection without blocking.
func (cm *ConnectionManager) send(conn *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal reply")
		return
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if conn.closed {
		return
	}
	select {
	case conn.Send <- data:
	default:
		log.Warn().Str("connection_id", conn.ID).Msg("dropping reply to slow connection")
	}
}

// ConnectionStats summarizes the attached screens.
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	Screens          map[Screen]int `json:"screens"`
	Dropped          uint64         `json:"dropped_broadcasts"`
	Rejected         uint64         `json:"rejected_messages"`
}

func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		Screens:  make(map[Screen]int),
		Dropped:  cm.dropped.Load(),
		Rejected: cm.rejected.Load(),
	}
	for screen, connections := range cm.screens {
		stats.Screens[screen] = len(connections)
		stats.TotalConnections += len(connections)
	}
	return stats
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage decodes an envelope sent by the screen and publishes it
// into the active room.
func (c *Connection) handleClientMessage(message []byte) {
	env, err := envelope.Decode(message)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		c.Manager.rejected.Add(1)
		log.Warn().
			Err(err).
			Str("connection_id", c.ID).
			Str("screen", string(c.Screen)).
			Msg("rejecting screen message")
		c.Manager.send(c, NewErrorNotice(err))
		return
	}

	if c.Manager.publisher == nil {
		return
	}
	if _, err := c.Manager.publisher.Publish(env); err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to publish screen message")
		c.Manager.send(c, NewErrorNotice(err))
	}
}
