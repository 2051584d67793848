package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/wricardo/mcp-training/chatrelay/chat/status"
)

// Hub is the WebSocket side of the relay. *websocket.Hub implements it.
type Hub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Count() int
}

// StatusReporter turns a user count into the published status snapshot.
// *status.Publisher implements it.
type StatusReporter interface {
	Snapshot(currentUsers int) status.Snapshot
}

// Server represents the HTTP surface of the relay
type Server struct {
	hub     Hub
	status  StatusReporter
	metrics http.Handler
	router  *mux.Router
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(hub Hub, reporter StatusReporter, metrics http.Handler) *Server {
	s := &Server{
		hub:     hub,
		status:  reporter,
		metrics: metrics,
		router:  mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	// Registered on the top-level router so a method mismatch answers 405.
	s.router.HandleFunc("/gameserver/clients", s.handleClients).Methods("GET")
	s.router.HandleFunc("/gameserver/status", s.handleStatus).Methods("GET")

	// WebSocket, with and without the trailing slash
	s.router.HandleFunc("/gameserver/", s.hub.ServeWS)
	s.router.HandleFunc("/gameserver", s.hub.ServeWS)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}
	s.router.HandleFunc("/", s.handleRoot).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// ClientsResponse is the body of GET /gameserver/clients.
type ClientsResponse struct {
	Count int `json:"Count"`
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ClientsResponse{Count: s.hub.Count()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondError(w, http.StatusServiceUnavailable, "status reporting is not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.status.Snapshot(s.hub.Count()))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Chat Server is running."))
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
