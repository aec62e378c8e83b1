package mgmtclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/internal/mgmt"
	"github.com/sirosfoundation/go-appshell/internal/state"
)

const testKey = "client-test-key"

func newServer(t *testing.T, onlyEncrypted bool) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := state.Open(filepath.Join(t.TempDir(), "data"), testKey, false)
	require.NoError(t, err)

	h, err := mgmt.New(mgmt.Options{
		DeploymentKey: testKey,
		OnlyEncrypted: onlyEncrypted,
		ShellConfig:   st.Config(),
	}, mgmt.Deps{State: st}, zap.NewNop())
	require.NoError(t, err)

	router := gin.New()
	h.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Plain(t *testing.T) {
	srv := newServer(t, false)
	c, err := New(srv.URL+"/", testKey, false)
	require.NoError(t, err)

	data, err := c.Call(context.Background(), []string{"config"}, nil)
	require.NoError(t, err)

	var cfg state.ShellConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, testKey, cfg.DeploymentKey)
	assert.Equal(t, state.ShellVersion, cfg.ShellVersion)
}

func TestClient_Encrypted(t *testing.T) {
	srv := newServer(t, true)

	plain, err := New(srv.URL, testKey, false)
	require.NoError(t, err)
	_, err = plain.Call(context.Background(), []string{"stats"}, nil)
	var merr *Error
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, http.StatusTeapot, merr.Code)

	sealed, err := New(srv.URL, testKey, true)
	require.NoError(t, err)
	data, err := sealed.Call(context.Background(), []string{"runcli"}, map[string]string{"command": "echo over the wire"})
	require.NoError(t, err)

	var res mgmt.RunCLIResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, "over the wire\n", res.Stdout)
}

func TestClient_Errors(t *testing.T) {
	srv := newServer(t, false)

	c, err := New(srv.URL, testKey, true)
	require.NoError(t, err)
	_, err = c.Call(context.Background(), []string{"nope"}, nil)
	var merr *Error
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, http.StatusNotFound, merr.Code)
	assert.Equal(t, "no such api nope", merr.Message)

	wrong, err := New(srv.URL, "wrong", false)
	require.NoError(t, err)
	_, err = wrong.Call(context.Background(), []string{"stats"}, nil)
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, http.StatusForbidden, merr.Code)

	_, err = c.Call(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = New(srv.URL, "", true)
	assert.Error(t, err)
}
