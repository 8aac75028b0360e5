package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/oplog"
)

// ExecutorServer serves one executor's RPC surface over HTTP.
type ExecutorServer struct {
	executor *golem.Executor
	logger   *slog.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// NewExecutorServer wraps an executor.
func NewExecutorServer(executor *golem.Executor, logger *slog.Logger) *ExecutorServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutorServer{
		executor: executor,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the chi router.
func (s *ExecutorServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/shards/assign", s.handleAssignShards)
		r.Post("/shards/revoke", s.handleRevokeShards)
		r.Post("/promises/complete", s.handleCompletePromise)
		r.Get("/workers/running", s.handleRunningWorkers)
		r.Get("/workers", s.handleListWorkers)

		r.Route("/components/{componentID}/workers/{workerName}", func(r chi.Router) {
			r.Post("/", s.handleCreateWorker)
			r.Delete("/", s.handleDeleteWorker)
			r.Get("/", s.handleWorkerMetadata)
			r.Post("/invoke", s.handleInvoke)
			r.Post("/invoke-and-await", s.handleInvokeAndAwait)
			r.Get("/connect", s.handleConnect)
			r.Post("/interrupt", s.handleInterrupt)
			r.Post("/resume", s.handleResume)
			r.Post("/update", s.handleUpdate)
			r.Get("/oplog", s.handleOplog)
		})
	})
	return r
}

// Start begins listening on addr.
func (s *ExecutorServer) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Routes()}
	s.logger.Info("executor server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *ExecutorServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func workerIDFrom(r *http.Request) (golem.WorkerID, error) {
	component, err := golem.ParseComponentID(chi.URLParam(r, "componentID"))
	if err != nil {
		return golem.WorkerID{}, golem.Errorf(golem.KindInvalidRequest, "%v", err)
	}
	name := chi.URLParam(r, "workerName")
	if name == "" {
		return golem.WorkerID{}, golem.Errorf(golem.KindInvalidRequest, "worker name is required")
	}
	return golem.WorkerID{Component: component, Name: name}, nil
}

func (s *ExecutorServer) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	id, err := workerIDFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createWorkerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	err = s.executor.CreateWorker(r.Context(), id, golem.CreateParams{
		ComponentVersion: req.ComponentVersion,
		Args:             req.Args,
		Env:              req.Env,
		AccountID:        golem.AccountID(req.AccountID),
		Parent:           req.Parent,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"workerId": id.String()})
}

func (s *ExecutorServer) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	id, err := workerIDFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.executor.DeleteWorker(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ExecutorServer) handleWorkerMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := workerIDFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	md, err := s.executor.GetWorkerMetadata(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *ExecutorServer) decodeInvoke(r *http.Request) (golem.WorkerID, invokeRequest, golem.ValueList, error) {
	id, err := workerIDFrom(r)
	if err != nil {
		return golem.WorkerID{}, invokeRequest{}, nil, err
	}
	var req invokeRequest
	if err := readJSON(r, &req); err != nil {
		return golem.WorkerID{}, invokeRequest{}, nil, err
	}
	if req.Function == "" {
		return golem.WorkerID{}, invokeRequest{}, nil, golem.Errorf(golem.KindInvalidRequest, "function is required")
	}
	args, err := golem.DecodeValues(req.Args)
	if err != nil {
		return golem.WorkerID{}, invokeRequest{}, nil, golem.Errorf(golem.KindInvalidRequest, "decode args: %v", err)
	}
	return id, req, args, nil
}

func (s *ExecutorServer) handleInvoke(w http.ResponseWriter, r *http.Request) {
	id, req, args, err := s.decodeInvoke(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.executor.Invoke(r.Context(), id, req.Function, args, golem.IdempotencyKey(req.IdempotencyKey)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *ExecutorServer) handleInvokeAndAwait(w http.ResponseWriter, r *http.Request) {
	id, req, args, err := s.decodeInvoke(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.executor.InvokeAndAwait(r.Context(), id, req.Function, args, golem.IdempotencyKey(req.IdempotencyKey))
	if err != nil {
		writeError(w, err)
		return
	}
	encoded, err := golem.EncodeValues(result)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invokeResponse{Result: encoded})
}

// handleConnect upgrades to a websocket and streams log events: retained
// tail first, then live.
func (s *ExecutorServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, err := workerIDFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, cancel, err := s.executor.Connect(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *ExecutorServer) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id, err := workerIDFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req interruptRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.executor.InterruptWorker(r.Context(), id, req.RecoverImmediately); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *ExecutorServer) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := workerIDFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.executor.ResumeWorker(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *ExecutorServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := workerIDFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateWorkerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.executor.UpdateWorker(r.Context(), id, req.TargetVersion, req.Mode); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *ExecutorServer) handleOplog(w http.ResponseWriter, r *http.Request) {
	id, err := workerIDFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	from, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if count <= 0 {
		count = 100
	}
	entries, next, err := s.executor.GetOplog(r.Context(), id, oplog.Index(from), count)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := oplogResponse{Next: uint64(next)}
	for _, e := range entries {
		data, err := oplog.Marshal(e)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Entries = append(resp.Entries, json.RawMessage(data))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *ExecutorServer) handleCompletePromise(w http.ResponseWriter, r *http.Request) {
	var req completePromiseRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pid, err := golem.ParsePromiseID(req.PromiseID)
	if err != nil {
		writeError(w, golem.Errorf(golem.KindInvalidRequest, "%v", err))
		return
	}
	first, err := s.executor.CompletePromise(r.Context(), pid, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completePromiseResponse{Completed: first})
}

func (s *ExecutorServer) handleAssignShards(w http.ResponseWriter, r *http.Request) {
	var req shardsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.executor.AssignShards(req.ShardIDs)
	w.WriteHeader(http.StatusOK)
}

func (s *ExecutorServer) handleRevokeShards(w http.ResponseWriter, r *http.Request) {
	var req shardsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.executor.RevokeShards(req.ShardIDs)
	w.WriteHeader(http.StatusOK)
}

func (s *ExecutorServer) handleRunningWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, workersResponse{Workers: s.executor.GetRunningWorkersMetadata(r.Context())})
}

func (s *ExecutorServer) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, _ := strconv.Atoi(q.Get("count"))
	precise := q.Get("precise") == "true"
	filter := golem.WorkerFilter{NamePrefix: q.Get("namePrefix")}
	if status := q.Get("status"); status != "" {
		parsed, err := golem.ParseStatus(status)
		if err != nil {
			writeError(w, golem.Errorf(golem.KindInvalidRequest, "%v", err))
			return
		}
		filter.Status = parsed
	}
	if v := q.Get("minVersion"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, golem.Errorf(golem.KindInvalidRequest, "minVersion: %v", err))
			return
		}
		filter.MinVersion = &n
	}
	if v := q.Get("maxVersion"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, golem.Errorf(golem.KindInvalidRequest, "maxVersion: %v", err))
			return
		}
		filter.MaxVersion = &n
	}

	ctx, cancelTimeout := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancelTimeout()
	workers, cursor, err := s.executor.GetWorkersMetadata(ctx, golem.ScanCursor(q.Get("cursor")), count, filter, precise)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workersResponse{Workers: workers, Cursor: cursor})
}
