package msgpipe

// tcpio.go: blocking exact-count reads, scatter-gather
// writes that survive short counts, socket options, and
// the optional forced-failure injection. Everything here
// runs without the pipe mutex held.

import (
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// maybeInjectFailure rolls 1-in-N per I/O call and, on a
// hit, shuts the socket down so the pending operation
// errors like a real transport fault.
func maybeInjectFailure(cfg *Config, conn net.Conn) {
	if cfg.InjectSocketFailures > 0 && conn != nil {
		if pseudoRandN(cfg.InjectSocketFailures) == 0 {
			alwaysPrintf("injecting socket failure")
			shutdownSocket(conn)
		}
	}
}

// shutdownSocket half-shuts both directions, leaving the
// fd open for the owner to close. Idempotent; any task
// blocked in I/O on conn returns an error.
func shutdownSocket(conn net.Conn) {
	if conn == nil {
		return
	}
	conn.SetDeadline(time.Now().Add(-time.Second))
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseRead()
		tc.CloseWrite()
	}
}

// tcpReadFull reads exactly len(buf) bytes, honoring the
// read timeout (0 means wait forever). A read of zero
// bytes after readiness is a peer FIN and comes back as
// an error, like any other fault.
func tcpReadFull(cfg *Config, conn net.Conn, buf []byte) (err error) {
	if conn == nil {
		return io.ErrClosedPipe
	}
	maybeInjectFailure(cfg, conn)
	if cfg.TCPReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(cfg.TCPReadTimeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	_, err = io.ReadFull(conn, buf)
	return
}

// tcpWriteBuffers sends every byte of bufs, advancing
// through the vector on short writes. On a *net.TCPConn
// this lands as writev.
func tcpWriteBuffers(cfg *Config, conn net.Conn, bufs net.Buffers) (err error) {
	if conn == nil {
		return io.ErrClosedPipe
	}
	maybeInjectFailure(cfg, conn)
	if tc, ok := conn.(*net.TCPConn); ok {
		_, err = bufs.WriteTo(tc)
		return
	}
	return writevFull(conn, bufs)
}

// writevFull is the generic fallback: write each piece,
// tolerating writers that return short counts without an
// error by advancing and retrying.
func writevFull(w io.Writer, bufs [][]byte) (err error) {
	for _, b := range bufs {
		for len(b) > 0 {
			var n int
			n, err = w.Write(b)
			if n > 0 {
				b = b[n:]
			}
			if err != nil {
				return
			}
			if n == 0 {
				return io.ErrNoProgress
			}
		}
	}
	return
}

// setSocketOptions applies the per-connection knobs.
func setSocketOptions(cfg *Config, conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(cfg.TCPNoDelay); err != nil {
		alwaysPrintf("couldn't set TCP_NODELAY: '%v'", err)
	}
	if cfg.TCPRcvbuf > 0 {
		if err := tc.SetReadBuffer(cfg.TCPRcvbuf); err != nil {
			alwaysPrintf("couldn't set SO_RCVBUF to %v: '%v'", cfg.TCPRcvbuf, err)
		}
	}
}

// listenControl turns on SO_REUSEADDR before bind when a
// specific port was requested, so a recent restart on the
// same port does not get address-in-use.
func listenControl(reuse bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if !reuse {
			return nil
		}
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return serr
	}
}
