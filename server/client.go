package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	golem "github.com/golemcloud/golem-core"
	"github.com/golemcloud/golem-core/shard"
)

// httpDo issues a JSON request and decodes either the response body or the
// structured error envelope.
func httpDo(ctx context.Context, client *http.Client, method, rawURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return golem.Errorf(golem.KindInvalidRequest, "encode request: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return golem.Errorf(golem.KindInvalidRequest, "build request: %v", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return golem.Errorf(golem.KindUnavailable, "%s %s: %v", method, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope errorBody
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Kind == "" {
			return golem.Errorf(golem.KindUnavailable, "%s %s: status %d", method, rawURL, resp.StatusCode)
		}
		return &golem.Error{Kind: envelope.Kind, Detail: envelope.Detail}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return golem.Errorf(golem.KindUnavailable, "decode response: %v", err)
		}
	}
	return nil
}

// ExecutorClient is the HTTP client for executor nodes. It implements both
// the shard controller's control-plane interface and the router's
// data-plane interface.
type ExecutorClient struct {
	client *http.Client
}

// NewExecutorClient creates a client with a bounded per-call timeout. Pass
// zero to disable the timeout (awaited invocations can run long).
func NewExecutorClient(timeout time.Duration) *ExecutorClient {
	return &ExecutorClient{client: &http.Client{Timeout: timeout}}
}

func workerURL(addr string, id golem.WorkerID, suffix string) string {
	return fmt.Sprintf("http://%s/v1/components/%s/workers/%s%s",
		addr, id.Component, url.PathEscape(id.Name), suffix)
}

func (c *ExecutorClient) AssignShards(ctx context.Context, addr string, ids []golem.ShardID) error {
	return httpDo(ctx, c.client, http.MethodPost,
		fmt.Sprintf("http://%s/v1/shards/assign", addr), shardsRequest{ShardIDs: ids}, nil)
}

func (c *ExecutorClient) RevokeShards(ctx context.Context, addr string, ids []golem.ShardID) error {
	return httpDo(ctx, c.client, http.MethodPost,
		fmt.Sprintf("http://%s/v1/shards/revoke", addr), shardsRequest{ShardIDs: ids}, nil)
}

func (c *ExecutorClient) CreateWorker(ctx context.Context, addr string, id golem.WorkerID, params golem.CreateParams) error {
	return httpDo(ctx, c.client, http.MethodPost, workerURL(addr, id, "/"), createWorkerRequest{
		ComponentVersion: params.ComponentVersion,
		Args:             params.Args,
		Env:              params.Env,
		AccountID:        string(params.AccountID),
		Parent:           params.Parent,
	}, nil)
}

func (c *ExecutorClient) InvokeAndAwait(ctx context.Context, addr string, id golem.WorkerID, function string, args golem.ValueList, key golem.IdempotencyKey) (golem.ValueList, error) {
	encoded, err := golem.EncodeValues(args)
	if err != nil {
		return nil, golem.Errorf(golem.KindInvalidRequest, "encode args: %v", err)
	}
	var resp invokeResponse
	if err := httpDo(ctx, c.client, http.MethodPost, workerURL(addr, id, "/invoke-and-await"), invokeRequest{
		Function:       function,
		Args:           encoded,
		IdempotencyKey: string(key),
	}, &resp); err != nil {
		return nil, err
	}
	return golem.DecodeValues(resp.Result)
}

func (c *ExecutorClient) Invoke(ctx context.Context, addr string, id golem.WorkerID, function string, args golem.ValueList, key golem.IdempotencyKey) error {
	encoded, err := golem.EncodeValues(args)
	if err != nil {
		return golem.Errorf(golem.KindInvalidRequest, "encode args: %v", err)
	}
	return httpDo(ctx, c.client, http.MethodPost, workerURL(addr, id, "/invoke"), invokeRequest{
		Function:       function,
		Args:           encoded,
		IdempotencyKey: string(key),
	}, nil)
}

func (c *ExecutorClient) CompletePromise(ctx context.Context, addr string, id golem.PromiseID, data []byte) (bool, error) {
	var resp completePromiseResponse
	err := httpDo(ctx, c.client, http.MethodPost,
		fmt.Sprintf("http://%s/v1/promises/complete", addr),
		completePromiseRequest{PromiseID: id.String(), Data: data}, &resp)
	return resp.Completed, err
}

func (c *ExecutorClient) GetWorkerMetadata(ctx context.Context, addr string, id golem.WorkerID) (golem.WorkerMetadata, error) {
	var md golem.WorkerMetadata
	err := httpDo(ctx, c.client, http.MethodGet, workerURL(addr, id, "/"), nil, &md)
	return md, err
}

// ShardManagerClient is the HTTP client executors and routers use to talk
// to the shard manager.
type ShardManagerClient struct {
	addr   string
	client *http.Client
}

// NewShardManagerClient points at the shard manager's address.
func NewShardManagerClient(addr string, timeout time.Duration) *ShardManagerClient {
	return &ShardManagerClient{addr: addr, client: &http.Client{Timeout: timeout}}
}

// Register announces an executor node.
func (c *ShardManagerClient) Register(ctx context.Context, nodeID, addr string) error {
	return httpDo(ctx, c.client, http.MethodPost,
		fmt.Sprintf("http://%s/v1/nodes/register", c.addr),
		registerNodeRequest{NodeID: nodeID, Addr: addr}, nil)
}

// Deregister removes an executor node.
func (c *ShardManagerClient) Deregister(ctx context.Context, nodeID string) error {
	return httpDo(ctx, c.client, http.MethodPost,
		fmt.Sprintf("http://%s/v1/nodes/%s/deregister", c.addr, url.PathEscape(nodeID)), nil, nil)
}

// Heartbeat keeps an executor node alive.
func (c *ShardManagerClient) Heartbeat(ctx context.Context, nodeID string) error {
	return httpDo(ctx, c.client, http.MethodPost,
		fmt.Sprintf("http://%s/v1/nodes/%s/heartbeat", c.addr, url.PathEscape(nodeID)), nil, nil)
}

// FetchRoutingTable implements shard.MapSource.
func (c *ShardManagerClient) FetchRoutingTable(ctx context.Context) (shard.RoutingTable, error) {
	var table shard.RoutingTable
	err := httpDo(ctx, c.client, http.MethodGet,
		fmt.Sprintf("http://%s/v1/routing-table", c.addr), nil, &table)
	return table, err
}

// RunHeartbeats sends heartbeats at the given interval until ctx is done.
func (c *ShardManagerClient) RunHeartbeats(ctx context.Context, nodeID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Heartbeat(ctx, nodeID)
		}
	}
}
