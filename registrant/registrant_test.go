package registrant

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fusenet/config"
	"fusenet/frame"
	"fusenet/lifecycle"
	"fusenet/logging"
	"fusenet/rendezvous"
	"fusenet/transport"
)

func startRendezvousForTest(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.HandshakeTimeoutMS = 500
	cfg.KeepAliveIntervalMS = 200
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

func TestRunRegistersAndCompletesRMConnection(t *testing.T) {
	rendAddr := startRendezvousForTest(t)

	dest, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer dest.Close()
	destAddr := dest.Addr().String()

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		conn, err := dest.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		_, _ = conn.Write(buf[:n])
	}()

	cfg := config.Default()
	cfg.HandshakeTimeoutMS = 500
	log := logging.New(logging.Options{Level: "error"})
	dial := func() (transport.Framed, error) {
		return transport.DialTCP(rendAddr, time.Second)
	}
	reg := New(cfg, log, dial, Registration{Tag: "echo-svc", TCPPort: 9})

	stop := make(chan struct{})
	runDone := make(chan error, 1)
	go func() { runDone <- reg.Run(stop) }()
	time.Sleep(100 * time.Millisecond)

	agentCh, err := transport.DialTCP(rendAddr, time.Second)
	require.NoError(t, err)
	defer agentCh.Close()

	corr := "corr-echo-1"
	require.NoError(t, agentCh.WriteFrame(frame.NewConnection(frame.ConnectionInfo{
		AgentMode:     frame.ModeRM,
		CorrelationID: corr,
		SourceTag:     corr,
		TargetTag:     "echo-svc",
		TargetHost:    destAddr,
	})))

	payload := []byte("ping")
	_, err = agentCh.WriteRaw(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	total := 0
	deadline := time.Now().Add(2 * time.Second)
	for total < len(payload) && time.Now().Before(deadline) {
		n, err := agentCh.ReadRaw(buf[total:])
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, payload, buf)

	close(stop)
}
