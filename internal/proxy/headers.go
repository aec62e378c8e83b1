package proxy

import (
	"net"
	"net/http"
	"regexp"
)

const (
	headerForwardedFor   = "X-Forwarded-For"
	headerForwardedProto = "X-Forwarded-Proto"
	headerForwardedHost  = "X-Forwarded-Host"
	headerARRSSL         = "X-Arr-Ssl"
)

// IIS style X-Forwarded-For values carry the client port
var ipv4WithPort = regexp.MustCompile(`^(\d+\.\d+\.\d+\.\d+):\d+$`)

// setForwarded writes the forwarding headers of in onto dst. Untrusted
// deployments overwrite the client's X-Forwarded-For and X-Forwarded-Proto;
// trusted ones keep the upstream proxy's values after normalising them.
// X-Forwarded-Host always passes through.
func setForwarded(dst http.Header, in *http.Request, trust bool) {
	if host := in.Header.Get(headerForwardedHost); host != "" {
		dst.Set(headerForwardedHost, host)
	}

	if !trust {
		dst.Set(headerForwardedFor, peerIP(in))
		if in.TLS != nil {
			dst.Set(headerForwardedProto, "https")
		} else {
			dst.Set(headerForwardedProto, "http")
		}
		return
	}

	if xff := in.Header.Get(headerForwardedFor); xff != "" {
		if m := ipv4WithPort.FindStringSubmatch(xff); m != nil {
			xff = m[1]
		}
		dst.Set(headerForwardedFor, xff)
	}

	proto := in.Header.Get(headerForwardedProto)
	if proto == "" && in.Header.Get(headerARRSSL) != "" {
		proto = "https"
	}
	if proto != "" {
		dst.Set(headerForwardedProto, proto)
	}
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
