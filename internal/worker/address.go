package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// Address is where a worker listens: a loopback TCP port or a unix socket
type Address struct {
	Network string // "tcp" or "unix"
	Addr    string
}

// AllocateAddress picks a fresh address for a new worker. TCP ports are
// obtained by binding port 0 and releasing it immediately.
func AllocateAddress(fileSockets bool) (Address, error) {
	if fileSockets {
		return Address{
			Network: "unix",
			Addr:    filepath.Join(os.TempDir(), ".tdsh."+uuid.NewString()),
		}, nil
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return Address{}, fmt.Errorf("failed to allocate port: %w", err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		return Address{}, fmt.Errorf("failed to release port: %w", err)
	}
	return Address{Network: "tcp", Addr: addr}, nil
}

// PortValue is the value handed to the application in PORT: the port number
// or the socket path.
func (a Address) PortValue() string {
	if a.Network == "unix" {
		return a.Addr
	}
	_, port, err := net.SplitHostPort(a.Addr)
	if err != nil {
		return a.Addr
	}
	return port
}

// Host is the authority used in URLs addressed to the worker
func (a Address) Host() string {
	if a.Network == "unix" {
		return "localhost"
	}
	return a.Addr
}

// Port returns the TCP port, or 0 for unix sockets
func (a Address) Port() int {
	if a.Network == "unix" {
		return 0
	}
	p, _ := strconv.Atoi(a.PortValue())
	return p
}

// Dial connects to the address
func (a Address) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, a.Network, a.Addr)
}

func (a Address) String() string {
	return a.PortValue()
}

// cleanup removes a stale socket file
func (a Address) cleanup() {
	if a.Network == "unix" {
		_ = os.Remove(a.Addr)
	}
}
