// Package transport implements the TCP binding of the framed control
// channel (spec C1): a growable read buffer wrapping any stream-like
// connection, frame-oriented reads/writes until the channel enters
// splicing, and raw passthrough after. The Channel type is generalized
// over a small streamConn interface so the same code also backs QUIC
// bi-streams (see package quictransport), instead of duplicating the
// buffering logic the way original_source/fusen-net/src/buffer.rs does
// with one struct per transport.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"fusenet/frame"
)

// ErrTimeout is returned by ReadFrameWithin when no frame arrives inside
// the requested window.
var ErrTimeout = errors.New("transport: read timeout")

// ErrConnReset is returned when the peer closes mid-frame: an empty read
// on a non-empty buffer, per spec.md §4.1.
var ErrConnReset = errors.New("transport: connection reset by peer")

const initialBufSize = 4 * 1024

// streamConn is the minimal surface Channel needs from an underlying
// transport. net.Conn and quictransport's quic.Stream both satisfy it
// directly.
type streamConn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Framed is the transport-agnostic interface the rest of the codebase
// programs against (rendezvous, registrant, agent). Channel implements it
// for both TCP connections and the QUIC streams quictransport hands out.
type Framed interface {
	ReadFrame() (frame.Frame, error)
	ReadFrameWithin(d time.Duration) (frame.Frame, error)
	WriteFrame(f frame.Frame) error
	ReadRaw(buf []byte) (int, error)
	WriteRaw(buf []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

// Channel is a Framed control channel over a single stream-like
// connection (one TCP connection per channel — no multiplexing).
type Channel struct {
	conn       streamConn
	remoteAddr net.Addr

	readMu sync.Mutex
	buf    []byte

	writeMu sync.Mutex
}

var _ Framed = (*Channel)(nil)

// NewChannel wraps an already-established connection.
func NewChannel(conn streamConn, remoteAddr net.Addr) *Channel {
	return &Channel{conn: conn, remoteAddr: remoteAddr, buf: make([]byte, 0, initialBufSize)}
}

// DialTCP opens a new TCP control channel to addr.
func DialTCP(addr string, timeout time.Duration) (*Channel, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewChannel(conn, conn.RemoteAddr()), nil
}

// RemoteAddr returns the peer's transport address.
func (c *Channel) RemoteAddr() net.Addr { return c.remoteAddr }

// Close closes the underlying connection. Any in-flight ReadFrame
// (including one abandoned by a timed-out ReadFrameWithin) unblocks with
// an error once this returns, since the kernel fails the pending read.
func (c *Channel) Close() error { return c.conn.Close() }

// ReadFrame reads until a full frame is decoded, buffering any remainder
// for the next call.
func (c *Channel) ReadFrame() (frame.Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.readFrameLocked()
}

func (c *Channel) readFrameLocked() (frame.Frame, error) {
	for {
		f, n, err := frame.Decode(c.buf)
		if err == nil {
			c.buf = append(c.buf[:0], c.buf[n:]...)
			return f, nil
		}
		if !errors.Is(err, frame.ErrIncomplete) {
			return frame.Frame{}, err
		}

		chunk := make([]byte, initialBufSize)
		m, rerr := c.conn.Read(chunk)
		if m > 0 {
			c.buf = append(c.buf, chunk[:m]...)
			continue
		}
		if rerr == nil {
			rerr = io.EOF
		}
		if errors.Is(rerr, io.EOF) {
			if len(c.buf) == 0 {
				return frame.Frame{}, io.EOF
			}
			return frame.Frame{}, ErrConnReset
		}
		return frame.Frame{}, rerr
	}
}

// ReadFrameWithin races ReadFrame against a timer. If the timer fires
// first, the underlying read is abandoned (not cancelled) — it will
// unblock naturally when the caller eventually closes the channel, which
// is always the documented response to a handshake timeout (spec.md §5).
func (c *Channel) ReadFrameWithin(d time.Duration) (frame.Frame, error) {
	type result struct {
		f   frame.Frame
		err error
	}
	done := make(chan result, 1)
	go func() {
		f, err := c.ReadFrame()
		done <- result{f, err}
	}()
	select {
	case r := <-done:
		return r.f, r.err
	case <-time.After(d):
		return frame.Frame{}, ErrTimeout
	}
}

// WriteFrame encodes and flushes f.
func (c *Channel) WriteFrame(f frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// ReadRaw bypasses framing, first draining any bytes already buffered
// from frame decoding before falling through to the underlying
// connection. Used only once a channel has entered splicing.
func (c *Channel) ReadRaw(buf []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if len(c.buf) > 0 {
		n := copy(buf, c.buf)
		c.buf = append(c.buf[:0], c.buf[n:]...)
		return n, nil
	}
	return c.conn.Read(buf)
}

// WriteRaw bypasses framing entirely.
func (c *Channel) WriteRaw(buf []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(buf)
}
