package agent

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fusenet/config"
	"fusenet/frame"
	"fusenet/lifecycle"
	"fusenet/logging"
	"fusenet/registrant"
	"fusenet/rendezvous"
	"fusenet/transport"
)

func TestParseTunnel(t *testing.T) {
	tun, err := ParseTunnel("rm-web1-127.0.0.1:22-8080")
	require.NoError(t, err)
	require.Equal(t, ModeRM, tun.Mode)
	require.Equal(t, "web1", tun.TargetTag)
	require.Equal(t, "127.0.0.1:22", tun.TargetHost)
	require.Equal(t, "0.0.0.0:8080", tun.ListenAddr)

	_, err = ParseTunnel("bogus-web1-127.0.0.1-8080")
	require.Error(t, err)

	_, err = ParseTunnel("rm-web1-onlythree")
	require.Error(t, err)
}

func startTestRendezvous(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.HandshakeTimeoutMS = 500
	cfg.KeepAliveIntervalMS = 200
	cfg.SubscribePushIntervalMS = 100
	cfg.RateLimit.MaxAttempts = 10000
	log := logging.New(logging.Options{Level: "error"})
	life := lifecycle.New()
	srv := rendezvous.New(cfg, log, life)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	go func() { _ = srv.ServeTCP(addr) }()
	time.Sleep(50 * time.Millisecond)
	t.Cleanup(life.Shutdown)
	return addr
}

// startEchoServer starts a plain TCP echo listener and returns its addr.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 64)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				_, _ = conn.Write(buf[:n])
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func registerFakeRegistrant(t *testing.T, rendAddr, tag, destAddr string) {
	t.Helper()
	_, portStr, err := net.SplitHostPort(destAddr)
	require.NoError(t, err)
	ch, err := transport.DialTCP(rendAddr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	tcpPort, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	require.NoError(t, ch.WriteFrame(frame.NewRegister(frame.RegisterInfo{Tag: tag, TCPPort: tcpPort})))
	_, err = ch.ReadFrameWithin(time.Second)
	require.NoError(t, err)

	// keep the registration alive for the duration of the test by
	// continuing to read/reply to keep-alive pings in the background.
	go func() {
		for {
			f, err := ch.ReadFrameWithin(2 * time.Second)
			if err != nil {
				return
			}
			if f.IsPing() {
				if err := ch.WriteFrame(frame.Ack()); err != nil {
					return
				}
			}
		}
	}()
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestRMTunnelRelaysBytesThroughRegistrant(t *testing.T) {
	rendAddr := startTestRendezvous(t)
	destAddr := startEchoServer(t)

	cfg := config.Default()
	log := logging.New(logging.Options{Level: "error"})
	dial := func() (transport.Framed, error) { return transport.DialTCP(rendAddr, time.Second) }

	regStop := make(chan struct{})
	defer close(regStop)
	reg := registrant.New(cfg, log, dial, registrant.Registration{Tag: "web1"})
	go func() { _ = reg.Run(regStop) }()

	a := New(cfg, log, dial)

	listenAddr := freePort(t)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		_ = a.Serve([]Tunnel{{Mode: ModeRM, TargetTag: "web1", TargetHost: destAddr, ListenAddr: listenAddr}}, stop)
	}()
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", listenAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("rm-hello"))
	require.NoError(t, err)
	buf := make([]byte, len("rm-hello"))
	_, err = readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "rm-hello", string(buf))
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestDMSubscriptionCachesAdvertisedAddress(t *testing.T) {
	rendAddr := startTestRendezvous(t)
	destAddr := startEchoServer(t)
	registerFakeRegistrant(t, rendAddr, "web2", destAddr)

	cfg := config.Default()
	cfg.SubscribePushIntervalMS = 100
	log := logging.New(logging.Options{Level: "error"})
	dial := func() (transport.Framed, error) { return transport.DialTCP(rendAddr, time.Second) }
	a := New(cfg, log, dial)

	stop := make(chan struct{})
	defer close(stop)
	go a.runSubscription("web2", stop)

	deadline := time.Now().Add(2 * time.Second)
	var addr string
	for time.Now().Before(deadline) {
		if v, found, err := a.dm.Get("web2"); err == nil && found && v != "" {
			addr = v
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotEmpty(t, addr)

	_, port, err := net.SplitHostPort(destAddr)
	require.NoError(t, err)
	_, cachedPort, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	require.Equal(t, port, cachedPort)
}
