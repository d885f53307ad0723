package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"airwave/internal/eventbus"
	rtsup "airwave/internal/runtime/supervisor"
	"airwave/internal/storage"
	kit "airwave/internal/transport"
	logx "airwave/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	sendTimeout  = 10 * time.Second
	recentLimit  = 300
	storeTimeout = 250 * time.Millisecond
)

// ResultObserver counts delivery outcomes ("sent", "failed", "dropped",
// "deduped").
type ResultObserver interface {
	NotifyResult(result string)
}

type outgoing struct {
	n   kit.Notification
	key string
}

// pipeline is one Start..Stop generation of the delivery workers.
type pipeline struct {
	queue   chan outgoing
	sup     *rtsup.Supervisor
	enqueue sync.WaitGroup
	closing bool
	done    chan struct{}
}

// Service delivers station announcements through a bounded queue served by
// a small worker pool. Safe for concurrent use.
type Service struct {
	mu       sync.Mutex
	log      logx.Logger
	adapter  kit.Adapter
	bus      eventbus.Bus
	observer ResultObserver
	cfg      Config
	limiter  *rate.Limiter
	run      *pipeline

	seen *suppressor

	rmu    sync.Mutex
	recent []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log, bus: bus, seen: newSuppressor(store)}
	s.Apply(cfg)
	return s
}

// SetObserver installs a delivery outcome counter.
func (s *Service) SetObserver(o ResultObserver) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	// burst = rate so a station change announcing a few items at once goes out together
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
	s.seen.configure(cfg.DedupWindow, cfg.DedupMaxEntries, cfg.PersistDedup)
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	return cfg
}

// Start launches the workers. It is a no-op when disabled or already
// running, and waits out a Stop still in progress.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		p := s.run
		if p != nil && p.closing {
			s.mu.Unlock()
			select {
			case <-p.done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if p != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		p = &pipeline{
			queue: make(chan outgoing, s.cfg.QueueSize),
			sup: rtsup.NewSupervisor(ctx,
				rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
				// announcements are best-effort; a failing worker never stops the daemon
				rtsup.WithCancelOnError(false),
			),
			done: make(chan struct{}),
		}
		s.run = p
		workers := s.cfg.Workers
		s.mu.Unlock()

		s.seen.start(p.sup)
		for i := 0; i < workers; i++ {
			p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
				s.drain(c, p.queue)
				return nil
			}, rtsup.WithPublishFirstError(true))
		}
		return
	}
}

// Stop refuses new messages and lets the workers drain the queue until ctx
// expires, after which they are canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.run
	if p == nil {
		s.mu.Unlock()
		return
	}
	if p.closing {
		s.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
		}
		return
	}
	p.closing = true
	s.mu.Unlock()

	go func() {
		defer close(p.done)
		p.enqueue.Wait()
		close(p.queue)
		s.seen.stop()
		_ = p.sup.Wait(context.Background())
		s.mu.Lock()
		if s.run == p {
			s.run = nil
		}
		s.mu.Unlock()
	}()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}

// Notify queues n for delivery without blocking. A message already sent
// within the dedup window is dropped silently.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	p := s.run
	if p == nil || p.closing {
		s.mu.Unlock()
		return ErrStopped
	}
	p.enqueue.Add(1)
	s.mu.Unlock()
	defer p.enqueue.Done()

	key := dedupKey(n)
	if !s.seen.admit(ctx, key) {
		s.result("deduped")
		return nil
	}
	select {
	case p.queue <- outgoing{n: n, key: key}:
		return nil
	default:
		s.result("dropped")
		s.publish(eventbus.NotifyDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Recent returns the delivered messages, oldest first.
func (s *Service) Recent() []HistoryItem {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return append([]HistoryItem(nil), s.recent...)
}

func (s *Service) remember(station, text string) {
	s.rmu.Lock()
	s.recent = append(s.recent, HistoryItem{At: time.Now(), Station: station, Text: text})
	if over := len(s.recent) - recentLimit; over > 0 {
		s.recent = s.recent[over:]
	}
	s.rmu.Unlock()
}

func (s *Service) drain(ctx context.Context, q <-chan outgoing) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, o)
		}
	}
}

func (s *Service) deliver(ctx context.Context, o outgoing) {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()
	if ad == nil || o.n.Text == "" {
		return
	}

	attempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err = ad.SendText(callCtx, o.n.Target, o.n.Text, o.n.Options)
		cancel()
		if err == nil {
			s.remember(o.n.Station, o.n.Text)
			s.result("sent")
			s.publish(eventbus.NotifySent, o.n, o.key, nil)
			return
		}
		s.log.Debug("notify send failed", logx.String("station", o.n.Station), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(backoff(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification failed", logx.String("station", o.n.Station), logx.Int("attempts", attempts), logx.Err(err))
	s.result("failed")
	s.publish(eventbus.NotifyFailed, o.n, o.key, err)
}

// backoff is the wait after the given failed attempt: RetryBase doubled per
// attempt, capped at RetryMaxDelay, with up to 30% jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(rtsup.Jitter(min(d, cfg.RetryMaxDelay), 0.3), cfg.RetryMaxDelay)
}

func (s *Service) result(r string) {
	s.mu.Lock()
	o := s.observer
	s.mu.Unlock()
	if o != nil {
		o.NotifyResult(r)
	}
}

func (s *Service) publish(typ string, n kit.Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Station: n.Station, Data: ev})
}
