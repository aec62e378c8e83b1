// Package mgmt serves the management protocol under /-tdevmgmt-/: plain
// commands authenticated by the deployment key in the path, and encrypted
// commands sealed with the envelope codec.
package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/internal/deploy"
	"github.com/sirosfoundation/go-appshell/internal/pool"
	"github.com/sirosfoundation/go-appshell/internal/state"
	"github.com/sirosfoundation/go-appshell/internal/storage"
	"github.com/sirosfoundation/go-appshell/internal/worker"
	"github.com/sirosfoundation/go-appshell/pkg/envelope"
	"github.com/sirosfoundation/go-appshell/pkg/logging"
	"github.com/sirosfoundation/go-appshell/pkg/middleware"
)

const (
	encryptedSegment = "encrypted"
	contentTypeJSON  = "application/json; encoding=utf-8"
	contentTypeText  = "text/plain; charset=utf-8"

	// DeploySuppress holds back scheduled restarts while a deploy settles
	DeploySuppress = 5 * time.Minute
)

// Pool is the part of the generation manager the commands use
type Pool interface {
	Pick(ctx context.Context) (*worker.Worker, error)
	Workers() []*worker.Worker
	Stats() pool.Stats
	Suppress(d time.Duration)
	TriggerReload()
}

// StatusError is a command failure answered with a specific status code
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string { return e.Msg }

func statusErr(code int, format string, args ...any) error {
	return &StatusError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Options configures the handler
type Options struct {
	DeploymentKey string
	OnlyEncrypted bool
	// ShellConfig is returned by the config command
	ShellConfig any
}

// Deps are the collaborators of the command table. Channel, Deployer,
// Recorder, ContentServed, OnConfig and Exit may be nil.
type Deps struct {
	Pool     Pool
	State    *state.Store
	Deployer deploy.Deployer
	// Channel is the external config channel; nil disables getconfig/setconfig
	Channel  storage.ChannelStore
	Recorder *logging.Recorder
	Limiter  *middleware.FailureLimiter

	// ContentServed reports the number of proxied public requests
	ContentServed func() int64
	// OnConfig is called with the merged channel config after setconfig
	OnConfig func(doc storage.Document)
	// Exit asks the supervisor to shut down
	Exit func()
}

// Handler serves management requests
type Handler struct {
	opts   Options
	deps   Deps
	codec  *envelope.Codec
	logger *zap.Logger

	started  time.Time
	requests atomic.Int64
	commands map[string]commandFunc
}

// New creates a management handler
func New(opts Options, deps Deps, logger *zap.Logger) (*Handler, error) {
	codec, err := envelope.New(opts.DeploymentKey)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		opts:    opts,
		deps:    deps,
		codec:   codec,
		logger:  logger.Named("mgmt"),
		started: time.Now(),
	}
	h.commands = h.commandTable()
	return h, nil
}

// Requests returns the number of management requests received
func (h *Handler) Requests() int64 { return h.requests.Load() }

// RegisterRoutes mounts the management prefix on router
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	group := router.Group(strings.TrimSuffix(middleware.MgmtPrefix, "/"))
	group.Use(cors.New(cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              []string{http.MethodGet, http.MethodPut, http.MethodPost},
		AllowHeaders:              []string{"Content-Type"},
		ExposeHeaders:             []string{"ErrorMessage"},
		OptionsResponseStatusCode: http.StatusOK,
	}))
	if h.deps.Limiter != nil {
		group.Use(middleware.FailureLimitMiddleware(h.deps.Limiter))
	}
	group.Any("/*path", h.Handle)
}

// request is one authenticated management call
type request struct {
	c         *gin.Context
	cmd       []string
	data      json.RawMessage
	encrypted bool
}

func (r *request) ctx() context.Context { return r.c.Request.Context() }

// decode unmarshals the payload into v; an empty payload leaves v alone
func (r *request) decode(v any) error {
	if len(r.data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.data, v); err != nil {
		return statusErr(http.StatusBadRequest, "bad payload: %v", err)
	}
	return nil
}

// Handle routes a request below the management prefix
func (h *Handler) Handle(c *gin.Context) {
	h.requests.Add(1)

	if c.Request.Method == http.MethodOptions {
		c.Status(http.StatusOK)
		return
	}

	segments := splitPath(c.Param("path"))
	first := ""
	if len(segments) > 0 {
		first = segments[0]
	}

	switch {
	case first == encryptedSegment:
		h.handleEncrypted(c)
	case middleware.KeyMatches(first, h.opts.DeploymentKey):
		if h.opts.OnlyEncrypted {
			c.String(http.StatusTeapot, "only encrypted allowed")
			return
		}
		h.handlePlain(c, segments[1:])
	default:
		h.rejectKey(c, "wrong key")
	}
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (h *Handler) rejectKey(c *gin.Context, msg string) {
	if h.deps.Limiter != nil {
		h.deps.Limiter.RecordFailure(c.ClientIP())
	}
	c.String(http.StatusForbidden, msg)
}

func (h *Handler) handlePlain(c *gin.Context, cmd []string) {
	body, err := readBody(c.Request)
	if err != nil {
		c.String(http.StatusBadRequest, "bad body: %v", err)
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		c.String(http.StatusBadRequest, "bad body: invalid json")
		return
	}
	h.dispatch(&request{c: c, cmd: cmd, data: body})
}

// readBody returns the request payload of POST and PUT requests, gunzipped
// when the client says so
func readBody(req *http.Request) ([]byte, error) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 && strings.Contains(req.Header.Get("Content-Encoding"), "gzip") {
		return envelope.Gunzip(bytes.NewReader(body))
	}
	return body, nil
}

func (h *Handler) handleEncrypted(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "bad body: %v", err)
		return
	}

	plain, err := h.codec.Open(c.GetHeader(envelope.HeaderIV), body)
	if err != nil {
		if errors.Is(err, envelope.ErrMissingIV) || errors.Is(err, envelope.ErrBadIV) {
			h.rejectKey(c, "Not encrypted")
			return
		}
		h.logger.Debug("Failed to open envelope", zap.Error(err))
		h.rejectKey(c, "bad op")
		return
	}

	command, err := envelope.DecodeCommand(plain)
	if err != nil {
		h.rejectKey(c, "bad op")
		return
	}

	data := command.Data
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}
	h.dispatch(&request{c: c, cmd: command.Cmd, data: data, encrypted: true})
}

// dispatch runs the named command and writes its result. Command errors
// and panics flush the shell state and answer 500.
func (h *Handler) dispatch(r *request) {
	defer func() {
		if v := recover(); v != nil {
			h.exception(r, fmt.Errorf("panic: %v", v), debug.Stack())
		}
	}()

	var gate struct {
		MinVersion *int `json:"minVersion"`
	}
	_ = json.Unmarshal(r.data, &gate)
	if gate.MinVersion != nil && *gate.MinVersion > state.ShellVersion {
		h.fail(r, http.StatusBadRequest, "shell version is too old")
		return
	}

	name := ""
	if len(r.cmd) > 0 {
		name = r.cmd[0]
	}
	fn, ok := h.commands[name]
	if !ok {
		h.fail(r, http.StatusNotFound, "no such api "+name)
		return
	}

	result, err := fn(r)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			h.fail(r, se.Code, se.Msg)
			return
		}
		h.exception(r, err, debug.Stack())
		return
	}
	h.ok(r, result)
}

// ok writes result as JSON, sealed for encrypted requests and gzipped when
// the client accepts it
func (h *Handler) ok(r *request, result any) {
	body, err := json.Marshal(result)
	if err != nil {
		h.exception(r, fmt.Errorf("failed to encode response: %w", err), nil)
		return
	}

	if r.encrypted {
		h.writeSealed(r, http.StatusOK, contentTypeJSON, body)
		return
	}

	if strings.Contains(r.c.GetHeader("Accept-Encoding"), "gzip") {
		zipped, err := envelope.Gzip(body)
		if err == nil {
			r.c.Header("Content-Encoding", "gzip")
			r.c.Data(http.StatusOK, contentTypeJSON, zipped)
			return
		}
	}
	r.c.Data(http.StatusOK, contentTypeJSON, body)
}

// fail writes a plain text error
func (h *Handler) fail(r *request, code int, msg string) {
	if r.encrypted {
		h.writeSealed(r, code, contentTypeText, []byte(msg))
		return
	}
	r.c.Data(code, contentTypeText, []byte(msg))
}

func (h *Handler) exception(r *request, err error, stack []byte) {
	if h.deps.State != nil {
		if serr := h.deps.State.Save(); serr != nil {
			h.logger.Error("Failed to save state", zap.Error(serr))
		}
	}
	h.logger.Error("Management command failed",
		zap.Strings("cmd", r.cmd),
		zap.Error(err),
		zap.ByteString("stack", stack),
	)
	msg := "exception: " + err.Error()
	if len(stack) > 0 {
		msg += " " + string(stack)
	}
	h.fail(r, http.StatusInternalServerError, msg)
}

func (h *Handler) writeSealed(r *request, code int, contentType string, body []byte) {
	iv, sealed, err := h.codec.Seal(body)
	if err != nil {
		h.logger.Error("Failed to seal response", zap.Error(err))
		r.c.String(http.StatusInternalServerError, "exception: failed to seal response")
		return
	}
	r.c.Header(envelope.HeaderIV, iv)
	r.c.Header("Content-Encoding", envelope.ContentEncoding)
	r.c.Data(code, contentType, sealed)
}
