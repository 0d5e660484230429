package quictransport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"fusenet/transport"
)

var quicConfig = &quic.Config{
	MaxIdleTimeout:  60 * time.Second,
	KeepAlivePeriod: 15 * time.Second,
}

// Dial opens a new QUIC connection to addr and returns one bi-stream
// wrapped as a transport.Framed control channel, mirroring
// original_source/fusen-net/src/quic/mod.rs's connect().
func Dial(ctx context.Context, addr string) (*transport.Channel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("quictransport: resolve %q: %w", addr, err)
	}
	pconn, err := listenPacketReusable("0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("quictransport: bind local socket: %w", err)
	}
	conn, err := quic.Dial(ctx, pconn, udpAddr, clientTLSConfig(), quicConfig)
	if err != nil {
		pconn.Close()
		return nil, fmt.Errorf("quictransport: dial %q: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("quictransport: open stream: %w", err)
	}
	return transport.NewChannel(stream, conn.RemoteAddr()), nil
}

// Listener accepts QUIC connections and exposes each one's control
// bi-stream as a transport.Framed channel.
type Listener struct {
	inner *quic.Listener
	pconn net.PacketConn
}

// Listen binds a reuseport UDP socket and starts a QUIC endpoint on it.
func Listen(bindAddr string) (*Listener, error) {
	pconn, err := listenPacketReusable(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("quictransport: bind %q: %w", bindAddr, err)
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		pconn.Close()
		return nil, fmt.Errorf("quictransport: build tls config: %w", err)
	}
	inner, err := quic.Listen(pconn, tlsConf, quicConfig)
	if err != nil {
		pconn.Close()
		return nil, fmt.Errorf("quictransport: listen %q: %w", bindAddr, err)
	}
	return &Listener{inner: inner, pconn: pconn}, nil
}

// Accept blocks until a new QUIC connection arrives, then accepts that
// connection's first bi-stream as the control channel (the rendezvous
// assumes the first stream is the control plane, matching
// server/channel.rs's connection.accept_bi() being the only stream used
// per logical channel in this protocol).
func (l *Listener) Accept(ctx context.Context) (*transport.Channel, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, err
	}
	return transport.NewChannel(stream, conn.RemoteAddr()), nil
}

// Close shuts down the listener and its underlying socket.
func (l *Listener) Close() error {
	err := l.inner.Close()
	if cerr := l.pconn.Close(); err == nil {
		err = cerr
	}
	return err
}
