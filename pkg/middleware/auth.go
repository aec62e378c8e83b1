// Package middleware provides HTTP middleware and credential helpers for the
// supervisor's gin router.
package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GenerateDeploymentKey generates a random deployment key used when none is
// configured or persisted
func GenerateDeploymentKey() (string, error) {
	bytes := make([]byte, 20)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// KeyMatches compares a presented key against the deployment key in
// constant time
func KeyMatches(presented, key string) bool {
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1
}

// Logger logs every request. Management paths carry the deployment key, so
// only the prefix of those is logged.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if len(path) > len(MgmtPrefix) && path[:len(MgmtPrefix)] == MgmtPrefix {
			path = MgmtPrefix + "..."
			query = ""
		}

		logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// MgmtPrefix is the path prefix reserved for the management protocol
const MgmtPrefix = "/-tdevmgmt-/"
