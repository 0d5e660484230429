package splice

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fusenet/transport"
)

func TestRunCopiesBothDirections(t *testing.T) {
	clientSide, relaySideA := net.Pipe()
	destSide, relaySideB := net.Pipe()

	a := transport.NewChannel(relaySideA, relaySideA.LocalAddr())
	b := transport.NewChannel(relaySideB, relaySideB.LocalAddr())

	done := make(chan error, 1)
	go func() { done <- Run(a, b) }()

	go func() { _, _ = clientSide.Write([]byte("hello")) }()
	buf := make([]byte, 5)
	_, err := io.ReadFull(destSide, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	go func() { _, _ = destSide.Write([]byte("world")) }()
	_, err = io.ReadFull(clientSide, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))

	clientSide.Close()
	destSide.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not terminate after both ends closed")
	}
}

func TestRunTerminatesWhenOneSideCloses(t *testing.T) {
	clientSide, relaySideA := net.Pipe()
	destSide, relaySideB := net.Pipe()
	_ = destSide

	a := transport.NewChannel(relaySideA, relaySideA.LocalAddr())
	b := transport.NewChannel(relaySideB, relaySideB.LocalAddr())

	done := make(chan error, 1)
	go func() { done <- Run(a, b) }()

	clientSide.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not terminate after one side closed")
	}
}
