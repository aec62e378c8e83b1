package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/internal/deploy"
	"github.com/sirosfoundation/go-appshell/internal/pool"
	"github.com/sirosfoundation/go-appshell/internal/state"
	"github.com/sirosfoundation/go-appshell/internal/storage"
	"github.com/sirosfoundation/go-appshell/internal/storage/memory"
	"github.com/sirosfoundation/go-appshell/internal/worker"
	"github.com/sirosfoundation/go-appshell/pkg/envelope"
	"github.com/sirosfoundation/go-appshell/pkg/logging"
	"github.com/sirosfoundation/go-appshell/pkg/middleware"
)

const testKey = "0123456789abcdef0123456789abcdef01234567"

func init() {
	gin.SetMode(gin.TestMode)
}

// fakePool records the calls the commands make
type fakePool struct {
	workers []*worker.Worker

	mu         sync.Mutex
	suppressed time.Duration
	reloads    int
}

func (p *fakePool) Pick(context.Context) (*worker.Worker, error) {
	if len(p.workers) == 0 {
		return nil, pool.ErrClosed
	}
	return p.workers[0], nil
}

func (p *fakePool) Workers() []*worker.Worker { return p.workers }

func (p *fakePool) Stats() pool.Stats { return pool.Stats{Size: len(p.workers)} }

func (p *fakePool) Suppress(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suppressed = d
}

func (p *fakePool) TriggerReload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
}

type testEnv struct {
	handler *Handler
	router  *gin.Engine
	pool    *fakePool
	state   *state.Store
	root    string
}

func newTestEnv(t *testing.T, opts Options, deps Deps) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := state.Open(filepath.Join(dir, "data"), testKey, false)
	require.NoError(t, err)

	fp := &fakePool{}
	if deps.Pool == nil {
		deps.Pool = fp
	}
	if deps.State == nil {
		deps.State = st
	}
	root := filepath.Join(dir, "app")
	if deps.Deployer == nil {
		deps.Deployer = deploy.NewLocalDeployer(root, st, zap.NewNop())
	}
	if opts.DeploymentKey == "" {
		opts.DeploymentKey = testKey
	}

	h, err := New(opts, deps, zap.NewNop())
	require.NoError(t, err)

	router := gin.New()
	h.RegisterRoutes(router)
	return &testEnv{handler: h, router: router, pool: fp, state: st, root: root}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) plain(t *testing.T, method, cmd string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, middleware.MgmtPrefix+testKey+"/"+cmd, body)
	return e.do(req)
}

func decodeJSON(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHandle_WrongKey(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{})

	w := env.do(httptest.NewRequest(http.MethodGet, middleware.MgmtPrefix+"nope/stats", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "wrong key", w.Body.String())

	w = env.do(httptest.NewRequest(http.MethodGet, middleware.MgmtPrefix, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandle_WrongKeyRateLimited(t *testing.T) {
	limiter := middleware.NewFailureLimiter(2, zap.NewNop())
	env := newTestEnv(t, Options{}, Deps{Limiter: limiter})

	for i := 0; i < 2; i++ {
		w := env.do(httptest.NewRequest(http.MethodGet, middleware.MgmtPrefix+"nope/stats", nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
	}

	w := env.plain(t, http.MethodGet, "stats", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "even the right key is refused while blocked")
}

func TestHandle_OnlyEncrypted(t *testing.T) {
	env := newTestEnv(t, Options{OnlyEncrypted: true}, Deps{})

	w := env.plain(t, http.MethodGet, "stats", nil)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestHandle_Options(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{})

	req := httptest.NewRequest(http.MethodOptions, middleware.MgmtPrefix+"anything", nil)
	w := env.do(req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodOptions, middleware.MgmtPrefix+"anything", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = env.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandle_UnknownCommand(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{})

	w := env.plain(t, http.MethodGet, "nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no such api nope", w.Body.String())
}

func TestHandle_MinVersion(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{})

	w := env.plain(t, http.MethodPost, "stats", map[string]any{"minVersion": state.ShellVersion + 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "shell version is too old", w.Body.String())

	w = env.plain(t, http.MethodPost, "stats", map[string]any{"minVersion": state.ShellVersion})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandle_BadJSON(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{})

	req := httptest.NewRequest(http.MethodPost, middleware.MgmtPrefix+testKey+"/stats", strings.NewReader("{nope"))
	w := env.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandle_GzipBothWays(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{})

	zipped, err := envelope.Gzip([]byte(`{"minVersion": 1}`))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, middleware.MgmtPrefix+testKey+"/stats", bytes.NewReader(zipped))
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	w := env.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.Equal(t, "application/json; encoding=utf-8", w.Header().Get("Content-Type"))

	plain, err := envelope.Gunzip(w.Body)
	require.NoError(t, err)
	stats := decodeJSON(t, plain)
	assert.Equal(t, float64(state.ShellVersion), stats["shellVersion"])
}

func TestCommand_Stats(t *testing.T) {
	env := newTestEnv(t, Options{OnlyEncrypted: false}, Deps{ContentServed: func() int64 { return 42 }})

	env.plain(t, http.MethodGet, "stats", nil)
	w := env.plain(t, http.MethodGet, "stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	stats := decodeJSON(t, w.Body.Bytes())
	assert.Equal(t, float64(state.ShellVersion), stats["shellVersion"])
	assert.Equal(t, float64(2), stats["numMgmtRequests"])
	assert.Equal(t, float64(42), stats["numContentRequests"])
	assert.Equal(t, float64(0), stats["numDeploys"])
	assert.Equal(t, "v21", stats["versionStamp"])
	assert.Contains(t, stats, "memory")
	assert.Contains(t, stats, "pool")
}

func TestCommand_Config(t *testing.T) {
	cfg := map[string]any{"deploymentKey": testKey, "shellVersion": state.ShellVersion}
	env := newTestEnv(t, Options{ShellConfig: cfg}, Deps{})

	w := env.plain(t, http.MethodGet, "config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testKey, decodeJSON(t, w.Body.Bytes())["deploymentKey"])
}

func TestCommand_Logs(t *testing.T) {
	rec := logging.NewRecorder(10)
	env := newTestEnv(t, Options{}, Deps{Recorder: rec})

	logger := zap.New(rec)
	logger.Info("worker started")
	logger.Error("worker crashed")

	w := env.plain(t, http.MethodGet, "logs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var logs struct {
		ShellVersion int             `json:"shellVersion"`
		Error        []logging.Entry `json:"error"`
		Info         []logging.Entry `json:"info"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Equal(t, state.ShellVersion, logs.ShellVersion)
	require.Len(t, logs.Error, 1)
	assert.Equal(t, "worker crashed", logs.Error[0].Msg)
	require.Len(t, logs.Info, 1)
	assert.Equal(t, "worker started", logs.Info[0].Msg)

	w = env.plain(t, http.MethodGet, "combinedlogs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var combined struct {
		Logs []logging.Entry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &combined))
	assert.Len(t, combined.Logs, 2)
}

func TestCommand_Exit(t *testing.T) {
	var exited atomic.Bool
	env := newTestEnv(t, Options{}, Deps{Exit: func() { exited.Store(true) }})

	w := env.plain(t, http.MethodGet, "exit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "won't make it out")
	assert.Eventually(t, exited.Load, time.Second, 10*time.Millisecond)
}

func TestCommand_RunCLI(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{})

	tests := []struct {
		name       string
		payload    RunCLIRequest
		wantCode   int
		wantStdout string
	}{
		{
			name:       "shell line",
			payload:    RunCLIRequest{Command: "echo hello && echo $GREETING", Env: map[string]string{"GREETING": "hi"}},
			wantStdout: "hello\nhi\n",
		},
		{
			name:       "stdin",
			payload:    RunCLIRequest{Command: "cat", Stdin: "piped"},
			wantStdout: "piped",
		},
		{
			name:     "explicit args keep the exit code",
			payload:  RunCLIRequest{Command: "sh", Args: []string{"-c", "exit 3"}},
			wantCode: 3,
		},
		{
			name:       "cwd",
			payload:    RunCLIRequest{Command: "pwd", Cwd: "/"},
			wantStdout: "/\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.plain(t, http.MethodPost, "runcli", tt.payload)
			require.Equal(t, http.StatusOK, w.Code)
			var res RunCLIResult
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			assert.Equal(t, tt.wantCode, res.Code)
			assert.Equal(t, tt.wantStdout, res.Stdout)
		})
	}

	w := env.plain(t, http.MethodPost, "runcli", RunCLIRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommand_Deploy(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{})

	payload := deploy.Payload{
		Files: []deploy.FileEntry{{Path: "public/index.html", Content: "<h1>hi</h1>"}},
		DMeta: map[string]any{"version": "1.2.3"},
	}
	w := env.plain(t, http.MethodPost, "deploy", payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeJSON(t, w.Body.Bytes())["status"])

	data, err := os.ReadFile(filepath.Join(env.root, "public", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<h1>hi</h1>", string(data))

	st := env.state.State()
	assert.Equal(t, 1, st.NumDeploys)
	assert.Equal(t, "", st.DeployedID)
	assert.Equal(t, "1.2.3", st.DMeta["version"])
	assert.Contains(t, st.DMeta, "activationtime")

	env.pool.mu.Lock()
	defer env.pool.mu.Unlock()
	assert.Equal(t, DeploySuppress, env.pool.suppressed)
	assert.Equal(t, 1, env.pool.reloads)
}

type failingDeployer struct{}

func (failingDeployer) Apply(context.Context, []deploy.FileEntry) (*deploy.Result, error) {
	return nil, errors.New("disk full")
}

func TestCommand_DeployFailure(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{Deployer: failingDeployer{}})

	w := env.plain(t, http.MethodPost, "deploy", deploy.Payload{})
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeJSON(t, w.Body.Bytes())
	assert.Equal(t, "error", res["status"])
	assert.Equal(t, "disk full", res["message"])
	assert.Equal(t, 0, env.pool.reloads, "a failed deploy does not restart workers")
}

func TestCommand_WriteFiles(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{})
	require.NoError(t, env.state.Update(func(st *state.State) {
		st.DownloadedFiles = map[string]string{"stale.txt": "https://example.com/stale"}
	}))

	payload := deploy.Payload{Files: []deploy.FileEntry{{Path: "a.txt", Content: "a"}}}
	w := env.plain(t, http.MethodPost, "writefiles", payload)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeJSON(t, w.Body.Bytes())["status"])

	st := env.state.State()
	assert.NotContains(t, st.DownloadedFiles, "stale.txt")
	assert.Contains(t, st.DownloadedFiles, "a.txt")
	assert.Equal(t, 0, env.pool.reloads)
}

func TestCommand_ConfigChannelDisabled(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{})

	w := env.plain(t, http.MethodGet, "getconfig", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "get config only available")

	w = env.plain(t, http.MethodPost, "setconfig", map[string]any{"AppSettings": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "set config only available")
}

func TestCommand_GetSetConfig(t *testing.T) {
	channel := memory.NewStore().Channel()
	var applied storage.Document
	env := newTestEnv(t, Options{}, Deps{
		Channel:  channel,
		OnConfig: func(doc storage.Document) { applied = doc },
	})

	w := env.plain(t, http.MethodGet, "getconfig", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"AppSettings": []any{}}, decodeJSON(t, w.Body.Bytes()))

	require.NoError(t, channel.Put(context.Background(), storage.ConfigDocument, storage.Document{"Other": "kept"}))

	settings := map[string]any{"AppSettings": []any{map[string]any{"Name": "MODE", "Value": "blue"}}}
	w = env.plain(t, http.MethodPost, "setconfig", settings)
	require.Equal(t, http.StatusOK, w.Code)
	merged := decodeJSON(t, w.Body.Bytes())
	assert.Equal(t, "kept", merged["Other"])
	assert.Contains(t, merged, "AppSettings")

	require.NotNil(t, applied)
	assert.Equal(t, map[string]string{"MODE": "blue"}, storage.AppSettings(applied))

	change, err := channel.Get(context.Background(), storage.ChangeDocument)
	require.NoError(t, err)
	first := change["did"]
	assert.NotEmpty(t, first)

	env.plain(t, http.MethodPost, "setconfig", settings)
	change, err = channel.Get(context.Background(), storage.ChangeDocument)
	require.NoError(t, err)
	assert.NotEqual(t, first, change["did"], "every change gets a new marker")

	w = env.plain(t, http.MethodGet, "getconfig", nil)
	assert.Equal(t, "kept", decodeJSON(t, w.Body.Bytes())["Other"])
}

type brokenChannel struct{}

func (brokenChannel) Get(context.Context, string) (storage.Document, error) {
	return nil, storage.ErrNotFound
}

func (brokenChannel) Put(context.Context, string, storage.Document) error {
	return errors.New("store offline")
}

func TestCommand_Exception(t *testing.T) {
	env := newTestEnv(t, Options{}, Deps{Channel: brokenChannel{}})

	w := env.plain(t, http.MethodPost, "setconfig", map[string]any{"a": 1})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "exception: store offline "), body)
	assert.Contains(t, body, "goroutine ")
	assert.Contains(t, body, ".go:")
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
}
