package tlsconf

import (
	"crypto/rand"
	"crypto/tls"
	"sync"
)

// DefaultSessionCacheSize caps the server-side session cache
const DefaultSessionCacheSize = 50000

// SessionCache stores resumable TLS sessions on the server and hands out
// random identities as tickets. The whole cache is dropped when it would
// grow past its limit.
type SessionCache struct {
	mu       sync.Mutex
	limit    int
	sessions map[string][]byte
}

// NewSessionCache creates a cache holding at most limit sessions
func NewSessionCache(limit int) *SessionCache {
	if limit <= 0 {
		limit = DefaultSessionCacheSize
	}
	return &SessionCache{limit: limit, sessions: make(map[string][]byte)}
}

// Len returns the number of cached sessions
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// WrapSession implements tls.Config.WrapSession
func (c *SessionCache) WrapSession(_ tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
	data, err := ss.Bytes()
	if err != nil {
		return nil, err
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) >= c.limit {
		c.sessions = make(map[string][]byte)
	}
	c.sessions[string(id)] = data
	return id, nil
}

// UnwrapSession implements tls.Config.UnwrapSession. Unknown identities
// yield a full handshake.
func (c *SessionCache) UnwrapSession(identity []byte, _ tls.ConnectionState) (*tls.SessionState, error) {
	c.mu.Lock()
	data, ok := c.sessions[string(identity)]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	ss, err := tls.ParseSessionState(data)
	if err != nil {
		return nil, nil
	}
	return ss, nil
}
