package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/shard"
)

// ShardManagerServer serves the shard manager's RPC surface: node
// registration, heartbeats and the routing-table query.
type ShardManagerServer struct {
	controller *shard.Controller
	logger     *slog.Logger
	httpServer *http.Server
}

// NewShardManagerServer wraps a controller.
func NewShardManagerServer(controller *shard.Controller, logger *slog.Logger) *ShardManagerServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShardManagerServer{controller: controller, logger: logger}
}

// Routes builds the chi router.
func (s *ShardManagerServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/nodes/register", s.handleRegister)
		r.Post("/nodes/{nodeID}/deregister", s.handleDeregister)
		r.Post("/nodes/{nodeID}/heartbeat", s.handleHeartbeat)
		r.Get("/nodes", s.handleNodes)
		r.Get("/routing-table", s.handleRoutingTable)
	})
	return r
}

// Start begins listening on addr.
func (s *ShardManagerServer) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Routes()}
	s.logger.Info("shard manager listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *ShardManagerServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *ShardManagerServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.Addr == "" {
		writeError(w, golem.Errorf(golem.KindInvalidRequest, "nodeId and addr are required"))
		return
	}
	s.controller.Register(r.Context(), req.NodeID, req.Addr)
	w.WriteHeader(http.StatusOK)
}

func (s *ShardManagerServer) handleDeregister(w http.ResponseWriter, r *http.Request) {
	s.controller.Deregister(r.Context(), chi.URLParam(r, "nodeID"))
	w.WriteHeader(http.StatusOK)
}

func (s *ShardManagerServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.controller.Heartbeat(chi.URLParam(r, "nodeID")) {
		writeError(w, golem.Errorf(golem.KindInvalidRequest, "unknown node %s", chi.URLParam(r, "nodeID")))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *ShardManagerServer) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Nodes())
}

func (s *ShardManagerServer) handleRoutingTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.RoutingTable())
}
