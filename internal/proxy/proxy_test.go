package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/internal/pool"
	"github.com/sirosfoundation/go-appshell/internal/worker"
	"github.com/sirosfoundation/go-appshell/internal/worker/workertest"
)

func newPool(t *testing.T, l *workertest.Launcher, size float64) *pool.Manager {
	t.Helper()
	m := pool.NewManager(pool.Options{
		Workers:     size,
		Warmup:      time.Hour,
		StableAfter: time.Hour,
		Worker: worker.Options{
			DeploymentKey: "key",
			ProbeInterval: 10 * time.Millisecond,
			ProbeAttempts: 100,
			ShutdownGrace: 50 * time.Millisecond,
			KillGrace:     50 * time.Millisecond,
		},
	}, l, nil, nil, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func reloadPool(t *testing.T, m *pool.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Reload(ctx))
}

func decodeEcho(t *testing.T, resp *http.Response) workertest.EchoResponse {
	t.Helper()
	defer resp.Body.Close()
	var echo workertest.EchoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&echo))
	return echo
}

func TestRouter_ProxiesHTTP(t *testing.T) {
	m := newPool(t, &workertest.Launcher{}, 2)
	reloadPool(t, m)

	router := New(m, Options{}, zap.NewNop())
	srv := httptest.NewServer(router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/items?x=1", strings.NewReader("payload"))
	require.NoError(t, err)
	req.Host = "app.example.com"
	req.Header.Set("X-Forwarded-For", "9.9.9.9")
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("X-Forwarded-Host", "public.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Worker"), "worker headers are relayed")

	echo := decodeEcho(t, resp)
	assert.Equal(t, http.MethodPost, echo.Method)
	assert.Equal(t, "/api/items?x=1", echo.Path)
	assert.Equal(t, "app.example.com", echo.Host)
	assert.Equal(t, "payload", echo.Body)
	assert.Equal(t, "kept", echo.Headers["X-Custom"])
	assert.Equal(t, "127.0.0.1", echo.Headers["X-Forwarded-For"], "untrusted client value is replaced")
	assert.Equal(t, "http", echo.Headers["X-Forwarded-Proto"])
	assert.Equal(t, "public.example.com", echo.Headers["X-Forwarded-Host"])

	assert.Equal(t, int64(1), router.Served())
}

func TestRouter_DropsConnectionClose(t *testing.T) {
	m := newPool(t, &workertest.Launcher{}, 1)
	reloadPool(t, m)

	srv := httptest.NewServer(New(m, Options{}, zap.NewNop()))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	require.NoError(t, err)
	req.Close = true

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	echo := decodeEcho(t, resp)
	assert.NotContains(t, echo.Headers, "Connection")
}

func TestRouter_OnlyCurrentGeneration(t *testing.T) {
	m := newPool(t, &workertest.Launcher{}, 2)
	reloadPool(t, m)
	reloadPool(t, m)

	current := map[int]bool{}
	for _, w := range m.Workers() {
		current[w.ID] = true
	}

	srv := httptest.NewServer(New(m, Options{}, zap.NewNop()))
	defer srv.Close()

	for i := 0; i < 20; i++ {
		resp, err := http.Get(srv.URL + "/")
		require.NoError(t, err)
		echo := decodeEcho(t, resp)
		assert.True(t, current[echo.Worker], "served by worker %d", echo.Worker)
	}
}

func TestRouter_ParksUntilGeneration(t *testing.T) {
	m := newPool(t, &workertest.Launcher{}, 1)
	srv := httptest.NewServer(New(m, Options{}, zap.NewNop()))
	defer srv.Close()

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/early")
		if err != nil {
			done <- result{err: err}
			return
		}
		resp.Body.Close()
		done <- result{code: resp.StatusCode}
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("request answered before any worker existed")
	default:
	}

	reloadPool(t, m)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, http.StatusOK, r.code)
	case <-time.After(2 * time.Second):
		t.Fatal("parked request was never served")
	}
}

func TestRouter_TrustedForwardedHeaders(t *testing.T) {
	m := newPool(t, &workertest.Launcher{}, 1)
	reloadPool(t, m)

	srv := httptest.NewServer(New(m, Options{TrustForwarded: true}, zap.NewNop()))
	defer srv.Close()

	tests := []struct {
		name      string
		headers   map[string]string
		wantFor   string
		wantProto string
	}{
		{
			name:      "strips port from ipv4",
			headers:   map[string]string{"X-Forwarded-For": "1.2.3.4:5678"},
			wantFor:   "1.2.3.4",
			wantProto: "",
		},
		{
			name:      "keeps address lists",
			headers:   map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8", "X-Forwarded-Proto": "http"},
			wantFor:   "1.2.3.4, 5.6.7.8",
			wantProto: "http",
		},
		{
			name:      "arr ssl implies https",
			headers:   map[string]string{"X-Arr-Ssl": "2048|256|...", "X-Forwarded-For": "1.2.3.4"},
			wantFor:   "1.2.3.4",
			wantProto: "https",
		},
		{
			name:      "explicit proto wins over arr ssl",
			headers:   map[string]string{"X-Arr-Ssl": "x", "X-Forwarded-Proto": "http"},
			wantFor:   "",
			wantProto: "http",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
			require.NoError(t, err)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			echo := decodeEcho(t, resp)
			assert.Equal(t, tt.wantFor, echo.Headers["X-Forwarded-For"])
			assert.Equal(t, tt.wantProto, echo.Headers["X-Forwarded-Proto"])
		})
	}
}

func TestRouter_TLSSetsHTTPSProto(t *testing.T) {
	m := newPool(t, &workertest.Launcher{}, 1)
	reloadPool(t, m)

	srv := httptest.NewTLSServer(New(m, Options{}, zap.NewNop()))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/")
	require.NoError(t, err)
	echo := decodeEcho(t, resp)
	assert.Equal(t, "https", echo.Headers["X-Forwarded-Proto"])
}

func TestRouter_OnlyEncrypted(t *testing.T) {
	m := newPool(t, &workertest.Launcher{}, 1)
	reloadPool(t, m)

	router := New(m, Options{OnlyEncrypted: true}, zap.NewNop())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
}

type stalePicker struct{ w *worker.Worker }

func (p stalePicker) Pick(context.Context) (*worker.Worker, error) { return p.w, nil }

func TestRouter_BadGateway(t *testing.T) {
	l := &workertest.Launcher{}
	m := newPool(t, l, 1)
	reloadPool(t, m)

	stale := m.Workers()[0]
	l.Processes()[0].Exit()
	require.Eventually(t, func() bool { return stale.State() == worker.StateDead }, 2*time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(New(stalePicker{stale}, Options{}, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRouter_WebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	l := &workertest.Launcher{
		App: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.WriteMessage(websocket.TextMessage, []byte("xff="+r.Header.Get("X-Forwarded-For")+" path="+r.URL.RequestURI()))
			for {
				mt, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if err := conn.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
					return
				}
			}
		}),
	}
	m := newPool(t, l, 2)
	reloadPool(t, m)

	router := New(m, Options{}, zap.NewNop())
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket?room=1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	_, greeting, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "xff=127.0.0.1 path=/socket?room=1", string(greeting))

	for _, msg := range []string{"one", "two"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		_, got, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "echo:"+msg, string(got))
	}

	assert.Equal(t, int64(1), router.Served())
}
