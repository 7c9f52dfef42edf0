// Package admin is the read-only HTTP observability surface: fleet
// inventory as JSON, a health check, Prometheus metrics and a websocket
// feed of registry change events. None of it is part of the control
// protocol — a resource manager with admin disabled still allocates GPUs
// exactly the same way.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/cloudarxiv/flyt/internal/logging"
	"github.com/cloudarxiv/flyt/internal/registry"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the admin HTTP surface.
type Server struct {
	registry *registry.Registry
	events   *EventHub
	logger   *logging.Logger
	router   *mux.Router
}

// New builds a Server and wires its routes.
func New(reg *registry.Registry, promRegistry *prometheus.Registry, logger *logging.Logger) *Server {
	s := &Server{
		registry: reg,
		events:   NewEventHub(),
		logger:   logger,
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes/{ip}", s.handleGetNode).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/events", s.events.HandleConnection)

	return s
}

// Handler returns the admin surface as an http.Handler, for ListenAndServe
// or embedding in a larger mux.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Events returns the hub other packages push registry change
// notifications through.
func (s *Server) Events() *EventHub {
	return s.events
}

// NodeEvent implements registry.EventSink, forwarding node lifecycle
// changes to websocket subscribers.
func (s *Server) NodeEvent(eventType, nodeIP string) {
	s.events.Broadcast(Event{Type: eventType, NodeIP: nodeIP})
}

// TransactionEvent implements registry.EventSink for allocate/free/resize
// outcomes.
func (s *Server) TransactionEvent(operation, nodeIP, outcome string) {
	s.events.Broadcast(Event{Type: "transaction", NodeIP: nodeIP, Operation: operation, Outcome: outcome})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.registry.All()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(nodes); err != nil {
		s.logger.Error("failed to encode node list", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	node, ok := s.registry.Get(ip)
	if !ok {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(node); err != nil {
		s.logger.Error("failed to encode node", map[string]interface{}{"error": err.Error(), "node_ip": ip})
	}
}
