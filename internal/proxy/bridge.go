package proxy

import (
	"errors"
	"io"
	"net"
	"syscall"
)

type copyResult struct {
	n   int64
	err error
}

// bridge copies both directions between two connections until either side
// finishes, then closes both. readerA may hold bytes already buffered from
// connA. Normal connection teardown is not reported as an error.
func bridge(connA net.Conn, readerA io.Reader, connB net.Conn, readerB io.Reader) error {
	done := make(chan copyResult, 2)

	go func() {
		n, err := io.Copy(connB, readerA)
		done <- copyResult{n, err}
	}()
	go func() {
		n, err := io.Copy(connA, readerB)
		done <- copyResult{n, err}
	}()

	first := <-done
	_ = connA.Close()
	_ = connB.Close()
	<-done

	if first.err != nil && !isExpectedClose(first.err) {
		return first.err
	}
	return nil
}

func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
