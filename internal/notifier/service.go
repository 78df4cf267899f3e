package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mssqltask/internal/eventbus"
	rtsup "mssqltask/internal/runtime/supervisor"
	logx "mssqltask/pkg/logx"
)

const maxErrorLines = 10

// Service is a queue + single sender + rate limit + retry + dedup pipeline.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time
}

type job struct {
	text string
	key  string
}

// New returns a stopped service. bus may be nil.
func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinFailed <= 0 {
		cfg.MinFailed = 1
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		log:     log.With(logx.Comp("notifier")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled && s.sender != nil }

// Start launches the sender loop. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.Enabled() {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifications are best-effort and never take the process down.
		rtsup.WithCancelOnError(false),
	)
	q := s.queue
	s.sup.GoRestart("sender", func(c context.Context) error {
		if s.sendLoop(c, q) {
			return nil
		}
		return c.Err()
	})
}

// Stop blocks new notifications and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("notifier drain interrupted", logx.Err(err))
		sup.Cancel()
	}
}

// Notify queues text for delivery. Identical texts within DedupWindow are
// dropped silently.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Enabled() {
		return ErrDisabled
	}
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(text)
	if !s.dedupAllow(key, time.Now()) {
		return nil
	}
	select {
	case q <- job{text: text, key: key}:
		return nil
	default:
		s.publish(EventDropped, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Consume turns bus events into notifications until ctx is done.
func (s *Service) Consume(ctx context.Context, bus eventbus.Bus) {
	types := []string{eventbus.RunFinished}
	if s.cfg.PersistErrors {
		types = append(types, eventbus.RunError)
	}
	ch, unsubscribe := bus.Subscribe(64, types...)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			text := s.Format(ev)
			if text == "" {
				continue
			}
			if err := s.Notify(ctx, text); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("notify failed", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

// Format renders ev, or returns "" when it is not worth a notification.
func (s *Service) Format(ev eventbus.Event) string {
	switch d := ev.Data.(type) {
	case eventbus.RunSummary:
		if d.Failed < s.cfg.MinFailed {
			return ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "task %s: %d of %d instances failed", d.Task, d.Failed, d.Instances)
		if d.TicketID != "" {
			fmt.Fprintf(&b, " (ticket %s)", d.TicketID)
		}
		for i, e := range d.Errors {
			if i == maxErrorLines {
				fmt.Fprintf(&b, "\n... %d more", len(d.Errors)-i)
				break
			}
			b.WriteString("\n- ")
			b.WriteString(e)
		}
		return b.String()
	case eventbus.ErrorInfo:
		return fmt.Sprintf("task %s: %s", d.Task, d.Error)
	}
	return ""
}

// sendLoop reports true when the queue was closed.
func (s *Service) sendLoop(ctx context.Context, q <-chan job) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case j, ok := <-q:
			if !ok {
				return true
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(s.cfg.RetryBase << (attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		lastErr = s.sender.SendText(cctx, s.cfg.ChatID, s.cfg.ThreadID, j.text)
		cancel()
		if lastErr == nil {
			s.publish(EventSent, j.key, nil)
			return
		}
		s.log.Debug("notify send failed", logx.Err(lastErr), logx.Int("attempt", attempt+1))
	}
	s.log.Warn("notify gave up", logx.Err(lastErr), logx.Int("attempts", s.cfg.RetryMax+1))
	s.publish(EventFailed, j.key, lastErr)
}

func (s *Service) publish(topic, key string, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{ChatID: s.cfg.ChatID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: ev.At, Data: ev})
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, now time.Time) bool {
	if s.cfg.DedupWindow <= 0 {
		return true
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
	return true
}
