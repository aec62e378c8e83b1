package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGenerateDeploymentKey(t *testing.T) {
	k1, err := GenerateDeploymentKey()
	require.NoError(t, err)
	k2, err := GenerateDeploymentKey()
	require.NoError(t, err)

	assert.Len(t, k1, 40)
	assert.NotEqual(t, k1, k2)
}

func TestKeyMatches(t *testing.T) {
	assert.True(t, KeyMatches("abc", "abc"))
	assert.False(t, KeyMatches("abd", "abc"))
	assert.False(t, KeyMatches("", ""))
}

func TestLogger_RedactsManagementPaths(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)

	router := gin.New()
	router.Use(Logger(zap.New(core)))
	router.Any("/*path", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, p := range []string{"/-tdevmgmt-/secretkey/stats?x=1", "/hello?a=b"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "/-tdevmgmt-/...", entries[0].ContextMap()["path"])
	assert.Equal(t, "", entries[0].ContextMap()["query"])
	assert.Equal(t, "/hello", entries[1].ContextMap()["path"])
	assert.Equal(t, "a=b", entries[1].ContextMap()["query"])
}
