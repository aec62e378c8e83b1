// Package tlsconf selects server certificates by SNI name and keeps a
// bounded server-side TLS session cache.
package tlsconf

import (
	"crypto/tls"
	"errors"
	"strings"
	"sync/atomic"
)

// ErrNoCertificate is returned when neither a match nor a default exists
var ErrNoCertificate = errors.New("tlsconf: no certificate")

// CertificateEntry binds a certificate to the names it serves
type CertificateEntry struct {
	Domains     []string
	Certificate *tls.Certificate
	Default     bool
}

type registry struct {
	byName map[string]*tls.Certificate
	def    *tls.Certificate
}

// Selector picks certificates for incoming handshakes. The registry is
// swapped wholesale on Load so handshakes never see a partial rebuild.
type Selector struct {
	reg atomic.Pointer[registry]
}

// NewSelector creates an empty selector
func NewSelector() *Selector {
	s := &Selector{}
	s.reg.Store(&registry{byName: map[string]*tls.Certificate{}})
	return s
}

// Load replaces the registry. The default is the last entry flagged
// Default, falling back to fallback when none is.
func (s *Selector) Load(entries []CertificateEntry, fallback *tls.Certificate) {
	reg := &registry{byName: make(map[string]*tls.Certificate)}
	for _, e := range entries {
		if e.Certificate == nil {
			continue
		}
		for _, d := range e.Domains {
			reg.byName[strings.ToLower(d)] = e.Certificate
		}
		if e.Default {
			reg.def = e.Certificate
		}
	}
	if reg.def == nil {
		reg.def = fallback
	}
	s.reg.Store(reg)
}

// Empty reports whether no certificate at all is loaded
func (s *Selector) Empty() bool {
	reg := s.reg.Load()
	return reg.def == nil && len(reg.byName) == 0
}

// Select returns the certificate for serverName: an exact match, then the
// name with its leftmost label replaced by "*", then the default.
func (s *Selector) Select(serverName string) *tls.Certificate {
	reg := s.reg.Load()
	name := strings.ToLower(serverName)
	if c, ok := reg.byName[name]; ok {
		return c
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		if c, ok := reg.byName["*"+name[i:]]; ok {
			return c
		}
	}
	return reg.def
}

// GetCertificate implements tls.Config.GetCertificate
func (s *Selector) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if c := s.Select(hello.ServerName); c != nil {
		return c, nil
	}
	return nil, ErrNoCertificate
}

// ServerConfig returns a TLS configuration backed by the selector and an
// optional session cache
func (s *Selector) ServerConfig(cache *SessionCache) *tls.Config {
	cfg := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate,
	}
	if cache != nil {
		cfg.WrapSession = cache.WrapSession
		cfg.UnwrapSession = cache.UnwrapSession
	}
	return cfg
}
