// Package proxy forwards public HTTP and WebSocket traffic to a randomly
// chosen worker of the current generation.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/internal/worker"
)

// Picker selects the worker for a request, waiting while none is routable
type Picker interface {
	Pick(ctx context.Context) (*worker.Worker, error)
}

// Options configures the router
type Options struct {
	// TrustForwarded keeps X-Forwarded-* headers from an upstream proxy
	TrustForwarded bool
	// OnlyEncrypted rejects all public traffic
	OnlyEncrypted bool
}

// Router is the public request router
type Router struct {
	picker Picker
	opts   Options
	logger *zap.Logger
	rp     *httputil.ReverseProxy

	served atomic.Int64
}

type workerKey struct{}

func workerFrom(ctx context.Context) *worker.Worker {
	w, _ := ctx.Value(workerKey{}).(*worker.Worker)
	return w
}

// New creates a router
func New(picker Picker, opts Options, logger *zap.Logger) *Router {
	r := &Router{
		picker: picker,
		opts:   opts,
		logger: logger.Named("proxy"),
	}
	r.rp = &httputil.ReverseProxy{
		Rewrite:        r.rewrite,
		Transport:      workerTransport{},
		FlushInterval:  -1,
		ModifyResponse: r.modifyResponse,
		ErrorHandler:   r.errorHandler,
		ErrorLog:       zap.NewStdLog(r.logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))),
	}
	return r
}

// Served returns the number of responses relayed from workers
func (r *Router) Served() int64 { return r.served.Load() }

// Handler adapts the router for gin's NoRoute
func (r *Router) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		r.ServeHTTP(c.Writer, c.Request)
	}
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.opts.OnlyEncrypted {
		http.Error(w, "Only encrypted allowed", http.StatusTeapot)
		return
	}

	if websocket.IsWebSocketUpgrade(req) {
		r.serveWebSocket(w, req)
		return
	}

	wk, err := r.picker.Pick(req.Context())
	if err != nil {
		r.pickFailed(w, req, err)
		return
	}

	ctx := context.WithValue(req.Context(), workerKey{}, wk)
	r.rp.ServeHTTP(w, req.WithContext(ctx))
}

func (r *Router) pickFailed(w http.ResponseWriter, req *http.Request, err error) {
	if req.Context().Err() != nil {
		// client went away while parked
		return
	}
	r.logger.Warn("No worker available", zap.Error(err))
	http.Error(w, "no worker available", http.StatusServiceUnavailable)
}

func (r *Router) rewrite(pr *httputil.ProxyRequest) {
	wk := workerFrom(pr.In.Context())
	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Host = wk.Addr.Host()
	pr.Out.Host = pr.In.Host
	setForwarded(pr.Out.Header, pr.In, r.opts.TrustForwarded)
}

func (r *Router) modifyResponse(resp *http.Response) error {
	r.served.Add(1)
	if wk := workerFrom(resp.Request.Context()); wk != nil {
		wk.CountServed()
	}
	return nil
}

func (r *Router) errorHandler(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	wk := workerFrom(req.Context())
	fields := []zap.Field{zap.Error(err), zap.String("path", req.URL.Path)}
	if wk != nil {
		fields = append(fields, zap.String("worker", wk.Description()))
	}
	r.logger.Warn("Proxy error", fields...)
	w.WriteHeader(http.StatusBadGateway)
}

// workerTransport sends each request through the transport of the worker
// chosen for it
type workerTransport struct{}

func (workerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	wk := workerFrom(req.Context())
	if wk == nil {
		return nil, errors.New("proxy: no worker in request context")
	}
	return wk.Transport().RoundTrip(req)
}

// serveWebSocket hands the raw client connection to a worker: the request
// line and headers are replayed on a fresh worker connection, then bytes
// are spliced both ways until either side closes.
func (r *Router) serveWebSocket(w http.ResponseWriter, req *http.Request) {
	wk, err := r.picker.Pick(req.Context())
	if err != nil {
		r.pickFailed(w, req, err)
		return
	}

	backend, err := wk.Dial(req.Context())
	if err != nil {
		r.logger.Warn("WebSocket dial failed", zap.String("worker", wk.Description()), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = backend.Close()
		http.Error(w, "websocket not supported", http.StatusInternalServerError)
		return
	}
	client, brw, err := hj.Hijack()
	if err != nil {
		_ = backend.Close()
		r.logger.Warn("WebSocket hijack failed", zap.Error(err))
		return
	}

	header := req.Header.Clone()
	setForwarded(header, req, r.opts.TrustForwarded)

	var head bytes.Buffer
	fmt.Fprintf(&head, "%s %s HTTP/1.1\r\n", req.Method, req.URL.RequestURI())
	fmt.Fprintf(&head, "Host: %s\r\n", req.Host)
	_ = header.Write(&head)
	head.WriteString("\r\n")

	if _, err := backend.Write(head.Bytes()); err != nil {
		_ = backend.Close()
		_ = client.Close()
		r.logger.Warn("WebSocket handshake relay failed", zap.Error(err))
		return
	}

	r.served.Add(1)
	wk.CountServed()

	// brw.Reader drains what the server already buffered before reading
	// from the connection itself
	if err := bridge(client, brw.Reader, backend, backend); err != nil {
		r.logger.Debug("WebSocket closed", zap.Error(err))
	}
}
