package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-appshell/internal/worker"
	"github.com/sirosfoundation/go-appshell/pkg/middleware"
)

const (
	// CodeWorkerUnreachable reports a worker command that never got an answer
	CodeWorkerUnreachable = 600

	forwardTimeout = 30 * time.Second
)

// WorkerRequest is the payload of the worker command
type WorkerRequest struct {
	Method string          `json:"method"`
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// WorkerResponse is the answer of the worker command
type WorkerResponse struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers,omitempty"`
	Resp    string            `json:"resp"`
}

// InfoEntry is one worker's answer to a fanned-out command
type InfoEntry struct {
	Worker string `json:"worker"`
	Code   int    `json:"code"`
	Body   any    `json:"body"`
}

func workerClient(wk *worker.Worker) *http.Client {
	return &http.Client{
		Transport: wk.Transport(),
		Timeout:   forwardTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// hand redirects back to the caller
			return http.ErrUseLastResponse
		},
	}
}

// requestBody turns a JSON payload into a request body: strings are sent
// verbatim, anything else as JSON
func requestBody(raw json.RawMessage) io.Reader {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.NewReader(s)
	}
	return bytes.NewReader(raw)
}

// cmdWorker sends one request to a random worker of the current generation
func (h *Handler) cmdWorker(r *request) (any, error) {
	var req WorkerRequest
	if err := r.decode(&req); err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(req.URL, "/") {
		req.URL = "/" + req.URL
	}

	ctx, cancel := context.WithTimeout(r.ctx(), forwardTimeout)
	defer cancel()

	wk, err := h.deps.Pool.Pick(ctx)
	if err != nil {
		return &WorkerResponse{Code: CodeWorkerUnreachable, Resp: err.Error()}, nil
	}

	h.logger.Debug("Forwarding to worker",
		zap.String("method", method),
		zap.String("url", req.URL),
		zap.String("worker", wk.Description()),
	)

	httpReq, err := http.NewRequestWithContext(ctx, method, wk.URL(req.URL), requestBody(req.Body))
	if err != nil {
		return nil, statusErr(http.StatusBadRequest, "bad worker request: %v", err)
	}

	resp, err := workerClient(wk).Do(httpReq)
	if err != nil {
		h.logger.Warn("Worker request failed", zap.String("worker", wk.Description()), zap.Error(err))
		return &WorkerResponse{Code: CodeWorkerUnreachable, Resp: err.Error()}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &WorkerResponse{Code: CodeWorkerUnreachable, Resp: err.Error()}, nil
	}

	headers := make(map[string]string)
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	return &WorkerResponse{
		Code:    resp.StatusCode,
		Headers: headers,
		Resp:    string(body),
	}, nil
}

// cmdInfo sends the command to every current worker in parallel and
// collects their answers
func (h *Handler) cmdInfo(r *request) (any, error) {
	workers := h.deps.Pool.Workers()
	entries := make([]InfoEntry, len(workers))

	path := middleware.MgmtPrefix + h.opts.DeploymentKey + "/" + strings.Join(r.cmd, "/")
	method := r.c.Request.Method
	var payload []byte
	if len(r.data) > 0 && string(r.data) != "{}" {
		payload = r.data
	}

	ctx, cancel := context.WithTimeout(r.ctx(), forwardTimeout)
	defer cancel()

	var g errgroup.Group
	for i, wk := range workers {
		g.Go(func() error {
			entries[i] = h.ask(ctx, wk, method, path, payload)
			return nil
		})
	}
	_ = g.Wait()

	return map[string]any{"workers": entries}, nil
}

func (h *Handler) ask(ctx context.Context, wk *worker.Worker, method, path string, payload []byte) InfoEntry {
	entry := InfoEntry{Worker: wk.Description(), Code: -1}
	if wk.State() == worker.StateDead {
		entry.Body = "worker is not running"
		return entry
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, wk.URL(path), body)
	if err != nil {
		entry.Body = err.Error()
		return entry
	}

	resp, err := workerClient(wk).Do(req)
	if err != nil {
		entry.Body = err.Error()
		return entry
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		entry.Body = fmt.Sprintf("failed to read response: %v", err)
		return entry
	}

	entry.Code = resp.StatusCode
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		entry.Body = string(raw)
	} else {
		entry.Body = parsed
	}
	return entry
}
