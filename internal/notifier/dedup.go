package notifier

import (
	"context"
	"encoding/hex"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	rtsup "airwave/internal/runtime/supervisor"
	"airwave/internal/storage"
	kit "airwave/internal/transport"
)

// dedupKey identifies a message by channel, target, station and text. An
// empty channel disables dedup for the message.
func dedupKey(n kit.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	for _, part := range []string{
		n.Channel,
		strconv.FormatInt(n.Target.ChatID, 10),
		strconv.Itoa(n.Target.ThreadID),
		n.Station,
		n.Text,
	} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type suppression struct {
	key   string
	until time.Time
}

// suppressor remembers recently sent keys. With persistence on, windows
// are mirrored to the store so a restart does not repeat the last
// announcement.
type suppressor struct {
	store storage.Store

	mu      sync.Mutex
	window  time.Duration
	limit   int
	persist bool
	until   map[string]time.Time
	writes  chan suppression
}

func newSuppressor(store storage.Store) *suppressor {
	return &suppressor{store: store, until: map[string]time.Time{}}
}

func (d *suppressor) configure(window time.Duration, limit int, persist bool) {
	d.mu.Lock()
	d.window, d.limit = window, limit
	d.persist = persist && d.store != nil
	d.mu.Unlock()
}

// start runs the store writer under sup when persistence is on.
func (d *suppressor) start(sup *rtsup.Supervisor) {
	d.mu.Lock()
	if !d.persist || d.writes != nil {
		d.mu.Unlock()
		return
	}
	ch := make(chan suppression, 1024)
	d.writes = ch
	d.mu.Unlock()

	sup.GoRestart("dedup.persist", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case w, ok := <-ch:
				if !ok {
					return nil
				}
				wctx, cancel := context.WithTimeout(ctx, storeTimeout)
				_ = d.store.PutDedup(wctx, w.key, w.until)
				cancel()
			}
		}
	}, rtsup.WithPublishFirstError(true))
}

func (d *suppressor) stop() {
	d.mu.Lock()
	if d.writes != nil {
		close(d.writes)
		d.writes = nil
	}
	d.mu.Unlock()
}

// admit reports whether key may be sent now and, if so, opens its window.
func (d *suppressor) admit(ctx context.Context, key string) bool {
	d.mu.Lock()
	window, persist := d.window, d.persist
	until, seen := d.until[key]
	d.mu.Unlock()
	if window <= 0 || key == "" {
		return true
	}
	now := time.Now()
	if seen && now.Before(until) {
		return false
	}
	if persist && ctx != nil {
		lctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		stored, ok, err := d.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(stored) {
			d.mu.Lock()
			d.until[key] = stored
			d.mu.Unlock()
			return false
		}
	}

	exp := now.Add(window)
	d.mu.Lock()
	defer d.mu.Unlock()
	// another caller may have admitted the same key meanwhile
	if u, ok := d.until[key]; ok && now.Before(u) {
		return false
	}
	d.until[key] = exp
	d.pruneLocked(now)
	if d.writes != nil {
		select {
		case d.writes <- suppression{key: key, until: exp}:
		default:
		}
	}
	return true
}

// pruneLocked drops expired keys, then the soonest-expiring ones until the
// map fits the limit.
func (d *suppressor) pruneLocked(now time.Time) {
	for k, u := range d.until {
		if !now.Before(u) {
			delete(d.until, k)
		}
	}
	for d.limit > 0 && len(d.until) > d.limit {
		var oldest string
		var at time.Time
		for k, u := range d.until {
			if oldest == "" || u.Before(at) {
				oldest, at = k, u
			}
		}
		delete(d.until, oldest)
	}
}
