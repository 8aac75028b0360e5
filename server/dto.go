// Package server exposes the executor and shard-manager services over HTTP
// and provides the matching typed clients used by the router and the
// shard-manager control loop.
package server

import (
	"encoding/json"
	"net/http"

	golem "github.com/golemcloud/golem-core"
)

type errorBody struct {
	Kind   golem.ErrorKind `json:"kind"`
	Detail string          `json:"detail,omitempty"`
}

func statusFor(kind golem.ErrorKind) int {
	switch kind {
	case golem.KindInvalidRequest:
		return http.StatusBadRequest
	case golem.KindWorkerNotFound:
		return http.StatusNotFound
	case golem.KindWorkerAlreadyExists:
		return http.StatusConflict
	case golem.KindWrongShard, golem.KindUnknownShard:
		return http.StatusMisdirectedRequest
	case golem.KindUnavailable, golem.KindNoAliveNodes:
		return http.StatusServiceUnavailable
	case golem.KindInvalidStatus:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := golem.KindOf(err)
	body := errorBody{Kind: kind}
	var ge *golem.Error
	if asGolemError(err, &ge) {
		body.Detail = ge.Detail
	} else {
		body.Detail = err.Error()
	}
	writeJSON(w, statusFor(kind), body)
}

func asGolemError(err error, target **golem.Error) bool {
	ge, ok := err.(*golem.Error)
	if ok {
		*target = ge
	}
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return golem.Errorf(golem.KindInvalidRequest, "decode request body: %v", err)
	}
	return nil
}

type createWorkerRequest struct {
	ComponentVersion uint64            `json:"componentVersion"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	AccountID        string            `json:"accountId,omitempty"`
	Parent           string            `json:"parent,omitempty"`
}

type invokeRequest struct {
	Function       string          `json:"function"`
	Args           json.RawMessage `json:"args,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type invokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type completePromiseRequest struct {
	PromiseID string `json:"promiseId"`
	Data      []byte `json:"data,omitempty"`
}

type completePromiseResponse struct {
	Completed bool `json:"completed"`
}

type interruptRequest struct {
	RecoverImmediately bool `json:"recoverImmediately"`
}

type updateWorkerRequest struct {
	TargetVersion uint64           `json:"targetVersion"`
	Mode          golem.UpdateMode `json:"mode"`
}

type shardsRequest struct {
	ShardIDs []golem.ShardID `json:"shardIds"`
}

type oplogResponse struct {
	Entries []json.RawMessage `json:"entries"`
	Next    uint64            `json:"next,omitempty"`
}

type workersResponse struct {
	Workers []golem.WorkerMetadata `json:"workers"`
	Cursor  golem.ScanCursor       `json:"cursor,omitempty"`
}

type registerNodeRequest struct {
	NodeID string `json:"nodeId"`
	Addr   string `json:"addr"`
}
