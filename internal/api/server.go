// Package api exposes the admin HTTP and WebSocket surface of the bot fleet.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/manager"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/internal/metrics"
	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

// Server is the HTTP/WebSocket admin server over the bot fleet.
type Server struct {
	logger     *zap.Logger
	manager    *manager.Manager
	metrics    *metrics.Metrics
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	upgrader   websocket.Upgrader
}

// NewServer creates the admin server and starts its WebSocket hub.
func NewServer(logger *zap.Logger, mgr *manager.Manager, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:  logger.Named("api"),
		manager: mgr,
		metrics: m,
		router:  mux.NewRouter(),
		hub:     NewHub(logger.Named("ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	go s.hub.Run()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/accounts", s.handleAccounts).Methods("GET")
	s.router.HandleFunc("/api/v1/accounts/{id}/info", s.handleAccountInfo).Methods("GET")
	s.router.HandleFunc("/api/v1/accounts/{id}/positions", s.handlePositions).Methods("GET")

	s.router.HandleFunc("/api/v1/bots/start-all", s.handleStartAll).Methods("POST")
	s.router.HandleFunc("/api/v1/bots/stop-all", s.handleStopAll).Methods("POST")
	s.router.HandleFunc("/api/v1/bots/{id}/start", s.lifecycle(s.start)).Methods("POST")
	s.router.HandleFunc("/api/v1/bots/{id}/stop", s.lifecycle(s.stop)).Methods("POST")
	s.router.HandleFunc("/api/v1/bots/{id}/pause", s.lifecycle(s.pause)).Methods("POST")
	s.router.HandleFunc("/api/v1/bots/{id}/resume", s.lifecycle(s.resume)).Methods("POST")
	s.router.HandleFunc("/api/v1/bots/{id}/reset", s.lifecycle(s.reset)).Methods("POST")
	s.router.HandleFunc("/api/v1/bots/{id}/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/bots/{id}/logs", s.handleLogs).Methods("GET")

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the route table, used by tests and by Start.
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub exposes the WebSocket hub so collaborators can push events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start blocks serving HTTP on addr until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("server API in ascolto", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("scrittura della risposta fallita", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// handleAccounts lists the persisted accounts with credentials redacted.
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.manager.Accounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for i := range accounts {
		accounts[i].Credentials = types.CredentialsBundle{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

func (s *Server) handleAccountInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := s.manager.AccountInfo(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	positions, err := s.manager.OpenPositions(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) start(ctx context.Context, id string) manager.LifecycleResult {
	return s.manager.Start(ctx, id)
}

func (s *Server) stop(ctx context.Context, id string) manager.LifecycleResult {
	return s.manager.Stop(ctx, id)
}

func (s *Server) pause(ctx context.Context, id string) manager.LifecycleResult {
	return s.manager.Pause(id)
}

func (s *Server) resume(ctx context.Context, id string) manager.LifecycleResult {
	return s.manager.Resume(id)
}

func (s *Server) reset(ctx context.Context, id string) manager.LifecycleResult {
	return s.manager.Reset(ctx, id)
}

// lifecycle wraps a manager operation into a handler that reports the result
// and pushes the bot's fresh snapshot to WebSocket subscribers.
func (s *Server) lifecycle(op func(ctx context.Context, id string) manager.LifecycleResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		res := op(r.Context(), id)

		if snap, err := s.manager.Status(id); err == nil {
			s.hub.BroadcastBotStatus(snap)
		}

		status := http.StatusOK
		if res.Outcome == manager.OutcomeError {
			status = http.StatusBadRequest
		}
		s.writeJSON(w, status, res)
	}
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	results := s.manager.StartAllEnabled(r.Context())
	for _, res := range results {
		if snap, err := s.manager.Status(res.AccountID); err == nil {
			s.hub.BroadcastBotStatus(snap)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	results := s.manager.StopAll(r.Context())
	for _, res := range results {
		if snap, err := s.manager.Status(res.AccountID); err == nil {
			s.hub.BroadcastBotStatus(snap)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := s.manager.Status(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs := s.manager.Logs(id, limit)
	if logs == nil {
		logs = []types.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade WebSocket fallito", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client

	go client.ReadPump()
	go client.WritePump()
}
