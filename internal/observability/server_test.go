package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mssqltask/internal/metrics"
	logx "mssqltask/pkg/logx"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServerServesMetricsAndHealth(t *testing.T) {
	col := metrics.New()
	var broken atomic.Bool
	health := func() error {
		if broken.Load() {
			return errors.New("task a failed")
		}
		return nil
	}
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true}, col.Handler(), health, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	base := "http://" + s.Addr()
	code, body := get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")

	code, body = get(t, base+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	broken.Store(true)
	code, body = get(t, base+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "task a failed")

	code, _ = get(t, base+"/debug/pprof/")
	assert.Equal(t, http.StatusOK, code)
}

func TestServerStopReleasesListener(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, http.NotFoundHandler(), nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())

	_, err := http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}

func TestServerDisabledAndPprofGuard(t *testing.T) {
	s := New(Config{}, nil, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, s.Addr())

	s = New(Config{Enabled: true, Addr: "0.0.0.0:0", Pprof: true}, nil, nil, logx.Nop())
	require.Error(t, s.Start(context.Background()))
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":9464"))
	assert.False(t, isLoopbackAddr("10.0.0.1:9464"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
