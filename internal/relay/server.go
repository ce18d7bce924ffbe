// Package relay serves a remote.Cloud over HTTP so several processes can
// replicate through it.
//
// Routes:
//
//	POST /v1/zones/{owner}/{zone}/records   push records
//	GET  /v1/zones/{owner}/{zone}/changes   pull changes (?since=&limit=)
//	GET  /v1/shares?root=owner/zone         the caller's share of a zone
//	GET  /v1/shares/accepted                a share the caller participates in
//	POST /v1/shares                         create a share
//	POST /v1/shares/accept                  accept an invitation
//	GET  /v1/ws                             websocket change signals
//	GET  /health                            liveness and subscriber count
//	GET  /metrics                           Prometheus metrics
//
// The caller is identified by the X-Nightlog-User and X-Nightlog-Device
// headers. There is no authentication; the relay is a development replica.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nightlog/nightlog/internal/observability"
	"github.com/nightlog/nightlog/internal/remote"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8787")
	Addr string

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8787",
		Logger: log.New(os.Stderr, "[relay] ", log.LstdFlags),
	}
}

// Server exposes a Cloud over HTTP and websocket.
type Server struct {
	cloud    *remote.Cloud
	addr     string
	listener net.Listener
	server   *http.Server
	router   chi.Router

	clients   map[*websocket.Conn]remote.Caller
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a relay for cloud.
func NewServer(cloud *remote.Cloud, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8787"
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cloud:   cloud,
		addr:    config.Addr,
		clients: make(map[*websocket.Conn]remote.Caller),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireCaller)

		r.Post("/zones/{owner}/{zone}/records", s.instrument("push", s.handlePush))
		r.Get("/zones/{owner}/{zone}/changes", s.instrument("pull", s.handlePull))
		r.Get("/shares", s.instrument("fetch_share", s.handleFetchShare))
		r.Get("/shares/accepted", s.instrument("fetch_shared_share", s.handleFetchSharedShare))
		r.Post("/shares", s.instrument("save_share", s.handleSaveShare))
		r.Post("/shares/accept", s.instrument("accept_share", s.handleAcceptShare))
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every websocket and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping relay")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()
	observability.SetRelaySubscribers(0)

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Relay stopped")
	return nil
}

// GetAddr returns the listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

type callerKey struct{}

// requireCaller rejects requests without identity headers.
func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := remote.Caller{
			User:   r.Header.Get(remote.HeaderUser),
			Device: r.Header.Get(remote.HeaderDevice),
		}
		if caller.User == "" || caller.Device == "" {
			writeError(w, http.StatusUnauthorized, "missing caller headers")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func callerFrom(r *http.Request) remote.Caller {
	c, _ := r.Context().Value(callerKey{}).(remote.Caller)
	return c
}

// statusRecorder captures the status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		observability.RecordRelayRequest(route, strconv.Itoa(rec.code))
	}
}

func zoneParam(r *http.Request) remote.Zone {
	return remote.Zone{Owner: chi.URLParam(r, "owner"), Name: chi.URLParam(r, "zone")}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req remote.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	cursor, err := s.cloud.Push(callerFrom(r), zoneParam(r), req.Records)
	if err != nil {
		writeCloudError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]remote.Cursor{"cursor": cursor})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch, err := s.cloud.Pull(callerFrom(r), zoneParam(r), remote.Cursor(since), int(limit))
	if err != nil {
		writeCloudError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleFetchShare(w http.ResponseWriter, r *http.Request) {
	root, err := remote.ParseZone(r.URL.Query().Get("root"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	share, err := s.cloud.FetchShare(callerFrom(r), root)
	if err != nil {
		writeCloudError(w, err)
		return
	}
	writeOptionalShare(w, share)
}

func (s *Server) handleFetchSharedShare(w http.ResponseWriter, r *http.Request) {
	share, err := s.cloud.FetchSharedShare(callerFrom(r))
	if err != nil {
		writeCloudError(w, err)
		return
	}
	writeOptionalShare(w, share)
}

func (s *Server) handleSaveShare(w http.ResponseWriter, r *http.Request) {
	var req remote.SaveShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	share, err := s.cloud.SaveShare(callerFrom(r), req.Root)
	if err != nil {
		writeCloudError(w, err)
		return
	}
	s.logger.Printf("Share %s created for %s", share.Zone, req.Root)
	writeJSON(w, http.StatusOK, share)
}

func (s *Server) handleAcceptShare(w http.ResponseWriter, r *http.Request) {
	var inv remote.Invitation
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	caller := callerFrom(r)
	share, err := s.cloud.AcceptShare(caller, inv)
	if err != nil {
		writeCloudError(w, err)
		return
	}
	s.logger.Printf("%s joined share %s", caller.User, share.Zone)
	writeJSON(w, http.StatusOK, share)
}

// handleWebSocket streams the caller's change signals until either side
// closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// CloseRead discards client frames and cancels ctx when the peer goes away.
	ctx = conn.CloseRead(ctx)
	signals := s.cloud.Subscribe(ctx, caller)

	s.clientsMu.Lock()
	s.clients[conn] = caller
	count := len(s.clients)
	s.clientsMu.Unlock()
	observability.SetRelaySubscribers(count)
	s.logger.Printf("Subscriber %s/%s connected (total: %d)", caller.User, caller.Device, count)
	defer s.removeClient(conn)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, sig)
			writeCancel()
			if err != nil {
				s.logger.Printf("Failed to send signal to %s/%s: %v", caller.User, caller.Device, err)
				return
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	caller, exists := s.clients[conn]
	if !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	observability.SetRelaySubscribers(count)
	s.logger.Printf("Subscriber %s/%s disconnected (total: %d)", caller.User, caller.Device, count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

func writeOptionalShare(w http.ResponseWriter, share *remote.Share) {
	if share == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

func writeCloudError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, remote.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, remote.ErrUnknownInvitation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, remote.ErrInvalidZone):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, remote.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
