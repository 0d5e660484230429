package transport

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// DialFast resolves addr and races parallel TCP connection attempts
// against every returned IP, returning the first to succeed. Adapted from
// the teacher's controller/direct.go DialFast, reused here for both the
// registrant's destination dial and the agent's DM direct dial — both
// want "connect to this host:port as fast as possible" with no racing
// policy beyond that (unlike the teacher's boost/roundrobin modes, which
// race across a *configured target list*; here there is always exactly
// one destination named by the incoming Connection frame, so only the
// multi-IP-per-hostname race survives).
func DialFast(addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return (&net.Dialer{Timeout: 3 * time.Second}).Dial("tcp", addr)
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		target := net.JoinHostPort(ip.String(), port)
		return (&net.Dialer{Timeout: 3 * time.Second}).Dial("tcp", target)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	addrs, rerr := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if rerr != nil || len(addrs) == 0 {
		return (&net.Dialer{Timeout: 3 * time.Second}).Dial("tcp", addr)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)
	for i, ip := range addrs {
		go func(delay int, ip net.IP) {
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * 50 * time.Millisecond):
				case <-ctx.Done():
					return
				}
			}
			d := &net.Dialer{Timeout: 2 * time.Second}
			c, e := d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
			if e == nil {
				select {
				case resCh <- result{conn: c}:
					cancel()
				default:
					_ = c.Close()
				}
			}
		}(i, ip)
	}
	select {
	case r := <-resCh:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return (&net.Dialer{Timeout: 3 * time.Second}).Dial("tcp", addr)
	}
}
