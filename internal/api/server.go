package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/zde37/skipgraph/internal/keyspace"
	"github.com/zde37/skipgraph/internal/skipgraph"
	"github.com/zde37/skipgraph/internal/telemetry"
	"github.com/zde37/skipgraph/pkg"
)

const maxBodySize = 1 << 20

// Peer is the skip graph surface the API exposes.
type Peer interface {
	Info() *skipgraph.PeerInfo
	AddKey(ctx context.Context, seed string, raw keyspace.RawKey) error
	RemoveKey(ctx context.Context, raw keyspace.RawKey) error
	RangeQuery(ranges []keyspace.Range, payload []byte, opts skipgraph.QueryOptions) (*skipgraph.QueryStream, error)
	Lookup(ctx context.Context, raw keyspace.RawKey) (keyspace.Link, int, error)
}

// Values stores the value behind each hosted key.
type Values interface {
	Set(ctx context.Context, key keyspace.RawKey, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key keyspace.RawKey) error
}

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	wsHub      *WebSocketHub
	handler    http.Handler
	peer       Peer
	values     Values
	seed       string
	timeout    time.Duration
	logger     *pkg.Logger
}

// Config holds the HTTP server configuration.
type Config struct {
	HTTPPort int

	// Seed is passed to AddKey when the peer hosts no key yet.
	Seed string

	// Values is optional; when set, key bodies are stored there.
	Values Values

	// RequestTimeout bounds key insertion, removal and lookup.
	RequestTimeout time.Duration
}

// NewServer creates a new HTTP API server. hub may be nil; a hub created
// before the peer gets the peer as its querier here.
func NewServer(cfg *Config, peer Peer, hub *WebSocketHub, logger *pkg.Logger) (*Server, error) {
	if peer == nil {
		return nil, fmt.Errorf("peer cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if hub == nil {
		hub = NewWebSocketHub(peer, logger)
	}
	if hub.querier == nil {
		hub.querier = peer
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &Server{
		wsHub:   hub,
		peer:    peer,
		values:  cfg.Values,
		seed:    cfg.Seed,
		timeout: timeout,
		logger:  logger.WithFields(pkg.Fields{"component": "http_api"}),
	}

	handler, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.handler = handler
	return s, nil
}

// Hub returns the WebSocket hub; the skip graph publishes topology events to it.
func (s *Server) Hub() *WebSocketHub { return s.wsHub }

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		op      string
		h       runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/info", "info", s.handleInfo},
		{http.MethodPost, "/api/v1/keys/{key}", "add_key", s.handleAddKey},
		{http.MethodDelete, "/api/v1/keys/{key}", "remove_key", s.handleRemoveKey},
		{http.MethodGet, "/api/v1/lookup/{key}", "lookup", s.handleLookup},
		{http.MethodPost, "/api/v1/query", "range_query", s.handleQuery},
		{http.MethodGet, "/api/v1/query", "range_query", s.handleQueryParams},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, instrument(r.op, r.h)); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/v1/", corsMiddleware(mux))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.Handle("/metrics", telemetry.MetricsHandler())
	httpMux.HandleFunc("/health", s.healthHandler)
	return httpMux, nil
}

func instrument(op string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h(w, r, params)
		})).ServeHTTP(w, r)
	}
}

// Start starts the HTTP server.
func (s *Server) Start(port int) error {
	go s.wsHub.Run()

	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Int("port", port).Msg("HTTP API server started")
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.peer.Info())
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request, params map[string]string) {
	raw := keyspace.ParseRawKey(params["key"])

	value, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if s.values != nil {
		if err := s.values.Set(ctx, raw, value, 0); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}
	if err := s.peer.AddKey(ctx, s.seed, raw); err != nil {
		if s.values != nil && errors.Is(err, pkg.ErrDuplicateKey) {
			writeJSON(w, http.StatusOK, map[string]string{"key": raw.String(), "status": "updated"})
			return
		}
		if s.values != nil {
			s.values.Delete(context.Background(), raw)
		}
		s.logger.Debug().Err(err).Str("key", raw.String()).Msg("Add key failed")
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"key": raw.String(), "status": "inserted"})
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request, params map[string]string) {
	raw := keyspace.ParseRawKey(params["key"])

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.peer.RemoveKey(ctx, raw); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if s.values != nil {
		if err := s.values.Delete(ctx, raw); err != nil {
			s.logger.Warn().Err(err).Str("key", raw.String()).Msg("Failed to delete value")
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"key": raw.String(), "status": "removed"})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, params map[string]string) {
	raw := keyspace.ParseRawKey(params["key"])

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	link, hops, err := s.peer.Lookup(ctx, raw)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key":  raw.String(),
		"node": link.Key.Raw.String(),
		"peer": link.Key.Peer,
		"addr": link.Addr,
		"hops": hops,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req QueryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid query body: %w", err))
		return
	}
	s.runQuery(w, r, &req)
}

// handleQueryParams serves GET /api/v1/query?from=..&to=..[&payload=..&mode=..]
func (s *Server) handleQueryParams(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	req := QueryRequest{
		Ranges:  []RangeSpec{{From: q.Get("from"), To: q.Get("to"), ToInclusive: q.Get("inclusive") == "true"}},
		Payload: q.Get("payload"),
		Mode:    q.Get("mode"),
	}
	s.runQuery(w, r, &req)
}

func (s *Server) runQuery(w http.ResponseWriter, r *http.Request, req *QueryRequest) {
	ranges, opts, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	stream, err := s.peer.RangeQuery(ranges, []byte(req.Payload), opts)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	results, err := skipgraph.Collect(r.Context(), stream)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(stream, results))
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pkg.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkg.ErrDuplicateKey), errors.Is(err, pkg.ErrNotInserted):
		return http.StatusConflict
	case errors.Is(err, pkg.ErrUnavailable), errors.Is(err, pkg.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, pkg.ErrCommunication):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
