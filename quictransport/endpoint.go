// Package quictransport implements the QUIC binding of the framed
// control channel (spec C1). Every UDP socket it opens has SO_REUSEPORT
// set. Listen binds its own socket for the acceptor role, and each Dial
// binds a fresh ephemeral socket of its own for the initiator role; the
// two roles do not share one socket or one UDP port, and each Dial is a
// separate QUIC connection. Every logical control channel is one QUIC
// bi-stream; framing reuses
// package transport's Channel, since a quic.Stream already satisfies its
// streamConn interface.
package quictransport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenPacketReusable opens a UDP socket with SO_REUSEPORT, grounded on
// original_source/fusen-net/src/quic/support.rs's raw libc.setsockopt
// call — the Go idiom for the same thing is a net.ListenConfig.Control
// hook instead of reaching for cgo/libc directly.
func listenPacketReusable(address string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(context.Background(), "udp", address)
}
