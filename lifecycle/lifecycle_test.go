package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownClosesDoneAndIsIdempotent(t *testing.T) {
	l := New()
	require.False(t, l.IsShutdown())

	l.Shutdown()
	l.Shutdown() // must not panic on double-close

	require.True(t, l.IsShutdown())
	select {
	case <-l.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}

func TestWaitTimeoutReportsOutstandingWork(t *testing.T) {
	l := New()
	release := make(chan struct{})
	l.Go(func() { <-release })

	require.False(t, l.WaitTimeout(20*time.Millisecond))

	close(release)
	require.True(t, l.WaitTimeout(time.Second))
}
