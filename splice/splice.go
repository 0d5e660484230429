// Package splice implements the bidirectional byte-copy stage (spec C4)
// that ties two framed transports into one raw TCP tunnel once a
// control-channel pairing completes.
package splice

import (
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"fusenet/transport"
)

const bufSize = 32 * 1024

// Run copies raw bytes between a and b in both directions until either
// side closes or errors. Whichever direction finishes first closes both
// channels, which unblocks the other direction's pending read — the same
// shape as the teacher's paired io.Copy goroutines in
// controller/normal.go and boost.go, and
// original_source/fusen-net/src/connection.rs's connect() pairing, but
// using an errgroup (grounded on
// cloudflare-cloudflared/connection/quic.go's usage of the same package)
// so a copy failure is returned to the caller instead of silently
// swallowed.
func Run(a, b transport.Framed) error {
	var g errgroup.Group
	g.Go(func() error {
		err := copyRaw(b, a)
		a.Close()
		b.Close()
		return err
	})

	err := copyRaw(a, b)
	a.Close()
	b.Close()

	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

func copyRaw(dst, src transport.Framed) error {
	buf := make([]byte, bufSize)
	for {
		n, rerr := src.ReadRaw(buf)
		if n > 0 {
			if _, werr := dst.WriteRaw(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}
