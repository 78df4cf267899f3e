package systemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "mssqltask/pkg/logx"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 512)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready("up")
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestReadyAndStopping(t *testing.T) {
	conn := listen(t)

	sent, err := Ready("2 tasks")
	require.NoError(t, err)
	require.True(t, sent)
	assert.Equal(t, "READY=1\nSTATUS=2 tasks", read(t, conn))

	sent, err = Stopping("")
	require.NoError(t, err)
	require.True(t, sent)
	assert.Equal(t, "STOPPING=1", read(t, conn))
}

func TestWatchdogPings(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", "100000")
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watchdog(ctx, logx.Nop())
	}()
	assert.Equal(t, "WATCHDOG=1", read(t, conn))
	cancel()
	<-done
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watchdog(context.Background(), logx.Nop())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog should return when disabled")
	}
}
