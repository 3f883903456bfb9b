// Package forwarder implements the per-connection route-select-and-
// forward loop that drives both proxy modes: dial upstream, enable
// TCP_NODELAY, copy bytes, and for Redis mode, intercept MOVED/ASK
// redirects inline.
package forwarder

import (
	"io"
	"net"
)

// DefaultBufferSize is the fixed per-direction copy buffer size.
const DefaultBufferSize = 8 * 1024

func enableNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

// copyDirection copies src to dst in bufSize chunks until EOF or error,
// returning the number of bytes copied.
func copyDirection(dst io.Writer, src io.Reader, bufSize int) (int64, error) {
	buf := make([]byte, bufSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
