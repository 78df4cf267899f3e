package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mssqltask/internal/eventbus"
	logx "mssqltask/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	texts []string
	fail  int
}

func (r *recorder) SendText(_ context.Context, chatID int64, _ int, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("telegram: 502")
	}
	r.texts = append(r.texts, fmt.Sprintf("%d:%s", chatID, text))
	return nil
}

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func fastConfig() Config {
	return Config{Enabled: true, ChatID: 42, RatePerSec: 1000, Burst: 10, RetryBase: time.Millisecond}
}

func TestNotifyDrainsOnStop(t *testing.T) {
	rec := &recorder{}
	s := New(fastConfig(), rec, nil, logx.Nop())
	s.Start(context.Background())

	require.NoError(t, s.Notify(context.Background(), "one"))
	require.NoError(t, s.Notify(context.Background(), "two"))
	s.Stop(context.Background())

	assert.Equal(t, []string{"42:one", "42:two"}, rec.sent())
	assert.ErrorIs(t, s.Notify(context.Background(), "late"), ErrStopped)
}

func TestNotifyDisabled(t *testing.T) {
	s := New(Config{}, &recorder{}, nil, logx.Nop())
	s.Start(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), "x"), ErrDisabled)
	s.Stop(context.Background())
}

func TestNotifyRetriesAndPublishes(t *testing.T) {
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(8, EventSent, EventFailed)
	defer unsubscribe()

	rec := &recorder{fail: 2}
	cfg := fastConfig()
	cfg.RetryMax = 2
	s := New(cfg, rec, bus, logx.Nop())
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), "flaky"))
	s.Stop(context.Background())

	assert.Equal(t, []string{"42:flaky"}, rec.sent())
	ev := <-events
	assert.Equal(t, EventSent, ev.Type)

	rec = &recorder{fail: 5}
	cfg.RetryMax = 1
	s = New(cfg, rec, bus, logx.Nop())
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), "down"))
	s.Stop(context.Background())

	assert.Empty(t, rec.sent())
	ev = <-events
	assert.Equal(t, EventFailed, ev.Type)
	assert.Equal(t, "telegram: 502", ev.Data.(NotificationEvent).Error)
}

func TestDedupWindow(t *testing.T) {
	rec := &recorder{}
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	s := New(cfg, rec, nil, logx.Nop())
	s.Start(context.Background())
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Notify(context.Background(), "same"))
	}
	require.NoError(t, s.Notify(context.Background(), "other"))
	s.Stop(context.Background())

	assert.Equal(t, []string{"42:same", "42:other"}, rec.sent())
}

func TestFormat(t *testing.T) {
	s := New(Config{Enabled: true, MinFailed: 2}, &recorder{}, nil, logx.Nop())

	ok := eventbus.Event{Type: eventbus.RunFinished, Data: eventbus.RunSummary{Task: "t", Instances: 3, Failed: 1}}
	assert.Empty(t, s.Format(ok))

	errs := make([]string, 12)
	for i := range errs {
		errs[i] = fmt.Sprintf("db%d: down", i)
	}
	bad := eventbus.Event{Type: eventbus.RunFinished, Data: eventbus.RunSummary{
		Task: "t", TicketID: "abc", Instances: 12, Failed: 12, Errors: errs,
	}}
	text := s.Format(bad)
	assert.Contains(t, text, "task t: 12 of 12 instances failed (ticket abc)")
	assert.Contains(t, text, "- db9: down")
	assert.NotContains(t, text, "db10")
	assert.Contains(t, text, "... 2 more")

	e := eventbus.Event{Type: eventbus.RunError, Data: eventbus.ErrorInfo{Task: "t", Error: "disk full"}}
	assert.Equal(t, "task t: disk full", s.Format(e))
}

func TestConsume(t *testing.T) {
	rec := &recorder{}
	bus := eventbus.New()
	cfg := fastConfig()
	cfg.PersistErrors = true
	s := New(cfg, rec, bus, logx.Nop())
	s.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Consume(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.RunError, Data: eventbus.ErrorInfo{Task: "t", Error: "x"}})
		return len(rec.sent()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
	s.Stop(context.Background())
	assert.Contains(t, rec.sent()[0], "task t: x")
}

func TestNewTelegramRequiresToken(t *testing.T) {
	_, err := NewTelegram(" ")
	require.Error(t, err)
}
