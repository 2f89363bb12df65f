package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/skipgraph"
	"github.com/zde37/skipgraph/pkg"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 << 10

	// Size of the send buffer per client
	sendBufferSize = 256
)

// Message types on the socket.
const (
	MsgTopology  = "topology"
	MsgQuery     = "query"
	MsgResult    = "result"
	MsgQueryDone = "query_done"
	MsgError     = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Querier starts range queries on behalf of socket clients.
type Querier interface {
	RangeQuery(ranges []keyspace.Range, payload []byte, opts skipgraph.QueryOptions) (*skipgraph.QueryStream, error)
}

// WSMessage is the envelope for everything sent over the socket in either
// direction. ID echoes the id of the client's query.
type WSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Query   *QueryRequest   `json:"query,omitempty"`
	Result  *ResultView     `json:"result,omitempty"`
	Summary *QueryResponse  `json:"summary,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// client represents a connected WebSocket client.
type client struct {
	hub      *WebSocketHub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func (c *client) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// WebSocketHub fans topology events out to every connected client and runs
// range queries that clients submit, streaming each result as it arrives.
type WebSocketHub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	shutdown   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	mu         sync.RWMutex

	querier Querier
	logger  *pkg.Logger
}

var _ skipgraph.Broadcaster = (*WebSocketHub)(nil)

// NewWebSocketHub creates a new WebSocket hub. querier may be nil, in which
// case clients can only watch topology events.
func NewWebSocketHub(querier Querier, logger *pkg.Logger) *WebSocketHub {
	if logger == nil {
		logger = pkg.Get()
	}
	return &WebSocketHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		querier:    querier,
		logger:     logger.WithFields(pkg.Fields{"component": "ws_hub"}),
	}
}

// Run starts the WebSocket hub.
func (h *WebSocketHub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", total).Msg("Client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", total).Msg("Client disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					h.logger.Warn().Msg("Client send buffer full, disconnecting slow client")
					delete(h.clients, c)
					c.close()
				}
			}
			h.mu.Unlock()

		case <-h.shutdown:
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.logger.Info().Msg("WebSocket hub shutdown complete")
			return
		}
	}
}

// Stop gracefully shuts down the WebSocket hub.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
	h.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastUpdate queues update for every connected client. It never blocks;
// when the hub is backed up the update is dropped.
func (h *WebSocketHub) BroadcastUpdate(update any) error {
	event, err := json.Marshal(update)
	if err != nil {
		return err
	}
	data, err := json.Marshal(WSMessage{Type: MsgTopology, Event: event})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- data:
		return nil
	default:
		return errors.New("broadcast channel full, dropping message")
	}
}

// HandleWebSocket handles WebSocket connections.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	select {
	case h.register <- c:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads query requests until the connection drops.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.reply(WSMessage{Type: MsgError, Error: "malformed message"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("WebSocket unexpected close")
			}
			return
		}

		switch {
		case msg.Type != MsgQuery || msg.Query == nil:
			c.reply(WSMessage{Type: MsgError, ID: msg.ID, Error: "expected a query message"})
		case c.hub.querier == nil:
			c.reply(WSMessage{Type: MsgError, ID: msg.ID, Error: "queries are not served here"})
		default:
			go c.runQuery(msg.ID, msg.Query)
		}
	}
}

// runQuery streams one query's results to the client.
func (c *client) runQuery(id string, req *QueryRequest) {
	ranges, opts, err := req.parse()
	if err != nil {
		c.reply(WSMessage{Type: MsgError, ID: id, Error: err.Error()})
		return
	}

	stream, err := c.hub.querier.RangeQuery(ranges, []byte(req.Payload), opts)
	if err != nil {
		c.reply(WSMessage{Type: MsgError, ID: id, Error: err.Error()})
		return
	}

	var results []skipgraph.QueryResult
	for {
		select {
		case r, ok := <-stream.Results():
			if !ok {
				if err := stream.Err(); err != nil {
					c.reply(WSMessage{Type: MsgError, ID: id, Error: err.Error()})
					return
				}
				c.reply(WSMessage{Type: MsgQueryDone, ID: id, Summary: summarize(stream, results)})
				return
			}
			results = append(results, r)
			view := viewResult(r)
			if !c.reply(WSMessage{Type: MsgResult, ID: id, Result: &view}) {
				stream.Close()
				return
			}
		case <-c.done:
			stream.Close()
			return
		}
	}
}

// reply queues msg for this client only, waiting for buffer space.
func (c *client) reply(msg WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to encode websocket message")
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// writePump is the only writer on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
