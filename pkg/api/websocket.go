package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tcmartin/scarfeed/pkg/feed"
	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/storage"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WebSocketManager serves the activity feed over WebSocket. Each connection
// runs its own feed.Stream; frames carry the same events as the SSE route.
type WebSocketManager struct {
	// upgrader for upgrading HTTP connections to WebSocket
	upgrader websocket.Upgrader

	// connections maps each live connection to its metadata
	connections map[*wsConn]*ConnectionMetadata

	// mutex for thread-safe access
	mu sync.RWMutex

	options  func(verbosity int) feed.Options
	store    storage.ActivityStore
	notifier feed.Notifier
	logger   logging.Logger
}

// ConnectionMetadata stores metadata about a WebSocket connection
type ConnectionMetadata struct {
	ProjectID   string
	Verbosity   int
	Subject     string
	ConnectedAt time.Time
	LastPingAt  time.Time
	cancel      context.CancelFunc
}

// FeedMessage is a single outgoing frame
type FeedMessage struct {
	Type string      `json:"type"` // "activity", "heartbeat", "error", "pong"
	Data interface{} `json:"data,omitempty"`
}

// ClientMessage represents incoming WebSocket messages
type ClientMessage struct {
	Type string `json:"type"` // "ping"
}

// wsConn serializes writes; gorilla allows one concurrent writer
type wsConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.WriteJSON(v)
}

func (c *wsConn) writeControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.WriteControl(messageType, data, time.Now().Add(wsWriteWait))
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(options func(verbosity int) feed.Options, store storage.ActivityStore, notifier feed.Notifier, logger logging.Logger) *WebSocketManager {
	return &WebSocketManager{
		upgrader: websocket.Upgrader{
			// CORS is handled by middleware; browsers on other origins are allowed
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[*wsConn]*ConnectionMetadata),
		options:     options,
		store:       store,
		notifier:    notifier,
		logger:      logger,
	}
}

// handleWebSocket validates the request before upgrading so that errors are
// still plain HTTP responses
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	verbosity, err := s.parseVerbosity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.provider.GetProjectStore().GetProject(r.Context(), projectID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.ws.HandleWebSocket(w, r, projectID, verbosity)
}

// HandleWebSocket upgrades the connection and streams projectID's feed until
// either side closes it
func (wsm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request, projectID string, verbosity int) {
	raw, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.logger.Warn("WebSocket upgrade failed", logging.Err(err))
		return
	}
	conn := &wsConn{Conn: raw}

	// the request context is not cancelled for hijacked connections
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	wsm.mu.Lock()
	wsm.connections[conn] = &ConnectionMetadata{
		ProjectID:   projectID,
		Verbosity:   verbosity,
		Subject:     subjectFrom(r),
		ConnectedAt: now,
		LastPingAt:  now,
		cancel:      cancel,
	}
	wsm.mu.Unlock()

	log := wsm.logger.WithFields(logging.F("project_id", projectID), logging.F("verbosity", verbosity))
	log.Info("WebSocket connection established")

	defer func() {
		wsm.removeConnection(conn)
		log.Info("WebSocket connection closed")
	}()

	conn.SetPongHandler(func(string) error {
		wsm.mu.Lock()
		if meta, exists := wsm.connections[conn]; exists {
			meta.LastPingAt = time.Now()
		}
		wsm.mu.Unlock()
		return nil
	})

	go wsm.pingRoutine(ctx, conn)
	go wsm.readLoop(conn, cancel)

	stream := feed.NewStream(wsm.store, wsm.notifier, projectID, wsm.options(verbosity))
	err = stream.Run(ctx, func(e feed.Event) error {
		return conn.writeJSON(FeedMessage{Type: e.Type, Data: e.Payload()})
	})
	if err != nil && ctx.Err() == nil {
		log.Warn("WebSocket stream ended", logging.Err(err))
	}

	conn.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop answers client pings and cancels the stream when the peer goes away
func (wsm *WebSocketManager) readLoop(conn *wsConn, cancel context.CancelFunc) {
	defer cancel()
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				wsm.logger.Debug("WebSocket read error", logging.Err(err))
			}
			return
		}

		switch msg.Type {
		case "ping":
			if err := conn.writeJSON(FeedMessage{Type: "pong"}); err != nil {
				return
			}
		default:
			wsm.logger.Debug("Unknown WebSocket message type", logging.F("type", msg.Type))
		}
	}
}

// pingRoutine sends periodic ping messages to keep connection alive
func (wsm *WebSocketManager) pingRoutine(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.writeControl(websocket.PingMessage, nil); err != nil {
				wsm.logger.Debug("Failed to send ping", logging.Err(err))
				wsm.removeConnection(conn)
				return
			}
		}
	}
}

// removeConnection forgets conn, stops its stream and closes it
func (wsm *WebSocketManager) removeConnection(conn *wsConn) {
	wsm.mu.Lock()
	meta, exists := wsm.connections[conn]
	delete(wsm.connections, conn)
	wsm.mu.Unlock()

	if exists {
		meta.cancel()
	}
	conn.Close()
}

// CloseAll stops every stream. Used on shutdown, since http.Server.Shutdown
// does not track hijacked connections.
func (wsm *WebSocketManager) CloseAll() {
	wsm.mu.RLock()
	conns := make([]*wsConn, 0, len(wsm.connections))
	for conn := range wsm.connections {
		conns = append(conns, conn)
	}
	wsm.mu.RUnlock()

	for _, conn := range conns {
		conn.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		wsm.removeConnection(conn)
	}
}

// GetConnectedClients returns the number of connected clients
func (wsm *WebSocketManager) GetConnectedClients() int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.connections)
}

// GetProjectSubscribers returns the number of connections watching a project
func (wsm *WebSocketManager) GetProjectSubscribers(projectID string) int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	n := 0
	for _, meta := range wsm.connections {
		if meta.ProjectID == projectID {
			n++
		}
	}
	return n
}
