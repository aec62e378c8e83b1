package mgmt

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/internal/pool"
	"github.com/sirosfoundation/go-appshell/internal/worker"
	"github.com/sirosfoundation/go-appshell/internal/worker/workertest"
)

// startWorkers brings up a generation of fake workers and returns them
func startWorkers(t *testing.T, l *workertest.Launcher, n int) []*worker.Worker {
	t.Helper()
	m := pool.NewManager(pool.Options{
		Workers:     float64(n),
		Warmup:      time.Hour,
		StableAfter: time.Hour,
		Worker: worker.Options{
			DeploymentKey: testKey,
			ProbeInterval: 10 * time.Millisecond,
			ProbeAttempts: 100,
			ShutdownGrace: 50 * time.Millisecond,
			KillGrace:     50 * time.Millisecond,
		},
	}, l, nil, nil, zap.NewNop())
	t.Cleanup(m.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Reload(ctx))

	workers := m.Workers()
	require.Len(t, workers, n)
	return workers
}

func TestCommand_Worker(t *testing.T) {
	workers := startWorkers(t, &workertest.Launcher{}, 1)
	env := newTestEnv(t, Options{}, Deps{Pool: &fakePool{workers: workers}})

	tests := []struct {
		name       string
		payload    map[string]any
		wantMethod string
		wantPath   string
		wantBody   string
	}{
		{
			name:       "defaults to get",
			payload:    map[string]any{"url": "/health"},
			wantMethod: http.MethodGet,
			wantPath:   "/health",
		},
		{
			name:       "json body",
			payload:    map[string]any{"method": "POST", "url": "/items?x=1", "body": map[string]any{"a": 1}},
			wantMethod: http.MethodPost,
			wantPath:   "/items?x=1",
			wantBody:   `{"a":1}`,
		},
		{
			name:       "string body is sent verbatim",
			payload:    map[string]any{"method": "PUT", "url": "/raw", "body": "plain text"},
			wantMethod: http.MethodPut,
			wantPath:   "/raw",
			wantBody:   "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.plain(t, http.MethodPost, "worker", tt.payload)
			require.Equal(t, http.StatusOK, w.Code)

			var res WorkerResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			assert.Equal(t, http.StatusOK, res.Code)
			assert.Equal(t, "application/json", res.Headers["Content-Type"])

			var echo workertest.EchoResponse
			require.NoError(t, json.Unmarshal([]byte(res.Resp), &echo))
			assert.Equal(t, tt.wantMethod, echo.Method)
			assert.Equal(t, tt.wantPath, echo.Path)
			assert.Equal(t, tt.wantBody, echo.Body)
			assert.Equal(t, workers[0].ID, echo.Worker)
		})
	}
}

func TestCommand_WorkerUnreachable(t *testing.T) {
	l := &workertest.Launcher{}
	workers := startWorkers(t, l, 1)
	l.Processes()[0].Exit()
	require.Eventually(t, func() bool { return workers[0].State() == worker.StateDead }, 2*time.Second, 5*time.Millisecond)

	env := newTestEnv(t, Options{}, Deps{Pool: &fakePool{workers: workers}})

	w := env.plain(t, http.MethodPost, "worker", map[string]any{"url": "/"})
	require.Equal(t, http.StatusOK, w.Code)

	var res WorkerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, CodeWorkerUnreachable, res.Code)
	assert.NotEmpty(t, res.Resp)
}

func TestCommand_Info(t *testing.T) {
	l := &workertest.Launcher{}
	workers := startWorkers(t, l, 3)

	// one worker crashes; its entry still appears
	l.Processes()[1].Exit()
	require.Eventually(t, func() bool { return workers[1].State() == worker.StateDead }, 2*time.Second, 5*time.Millisecond)

	env := newTestEnv(t, Options{}, Deps{Pool: &fakePool{workers: workers}})

	w := env.plain(t, http.MethodGet, "info", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Workers []InfoEntry `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Workers, 3)

	for i, entry := range res.Workers {
		if i == 1 {
			assert.Equal(t, -1, entry.Code)
			assert.IsType(t, "", entry.Body)
			continue
		}
		assert.Equal(t, http.StatusOK, entry.Code)
		assert.Equal(t, workers[i].Description(), entry.Worker)
		body, ok := entry.Body.(map[string]any)
		require.True(t, ok, "json answers are decoded")
		assert.Equal(t, "info", body["cmd"])
		assert.Equal(t, float64(workers[i].ID), body["worker"])
	}
}

func TestCommand_InfoConnectionRefused(t *testing.T) {
	l := &workertest.Launcher{}
	workers := startWorkers(t, l, 2)

	// the process stays up but nothing accepts connections any more
	l.Processes()[0].StopListening()
	require.Equal(t, worker.StateReady, workers[0].State())

	env := newTestEnv(t, Options{}, Deps{Pool: &fakePool{workers: workers}})

	w := env.plain(t, http.MethodGet, "info", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Workers []InfoEntry `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Workers, 2)

	refused := res.Workers[0]
	assert.Equal(t, workers[0].Description(), refused.Worker)
	assert.Equal(t, -1, refused.Code)
	msg, ok := refused.Body.(string)
	require.True(t, ok)
	assert.NotEqual(t, "worker is not running", msg)
	assert.NotEmpty(t, msg)

	assert.Equal(t, http.StatusOK, res.Workers[1].Code)
}

func TestCommand_InfoForwardsPayload(t *testing.T) {
	got := make(chan string, 2)
	l := &workertest.Launcher{
		Mgmt: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got <- r.Method + " " + r.URL.Path
			_, _ = w.Write([]byte("not json"))
		}),
	}
	workers := startWorkers(t, l, 2)
	env := newTestEnv(t, Options{}, Deps{Pool: &fakePool{workers: workers}})

	w := env.plain(t, http.MethodPost, "info/detail", map[string]any{"verbose": true})
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Workers []InfoEntry `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Workers, 2)
	for _, entry := range res.Workers {
		assert.Equal(t, http.StatusOK, entry.Code)
		assert.Equal(t, "not json", entry.Body)
	}

	for i := 0; i < 2; i++ {
		assert.Equal(t, "POST /-tdevmgmt-/"+testKey+"/info/detail", <-got)
	}
}
