// Package station runs one station: it pulls items from the playlist,
// turns them into chunks and paces them out to the broadcast server.
package station

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"airwave/internal/broadcast"
	"airwave/internal/config"
	"airwave/internal/media"
	"airwave/internal/playlist"
	rtsup "airwave/internal/runtime/supervisor"
	logx "airwave/pkg/logx"
)

const effectQueueSize = 64

// Deps are the collaborators shared by all workers.
type Deps struct {
	Pacer    Pacer
	Channels ChannelFactory
	Sink     Sink
	Observer Observer
	Log      logx.Logger
	// HTTPClient is used for relay pulls; nil uses http.DefaultClient.
	HTTPClient *http.Client
	// Rand seeds playlist shuffling; nil uses a random seed.
	Rand *rand.Rand
	// ReconnectMin/Max bound the reopen backoff after a send failure.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Worker streams one station. Create with New, run with Run.
type Worker struct {
	cfg  config.Station
	deps Deps
	log  logx.Logger

	runID     string
	startedAt time.Time

	state     atomic.Int32
	skip      atomic.Bool
	relay     atomic.Bool
	permanent atomic.Bool
	plays     atomic.Int64
	current   atomic.Pointer[media.Descriptor]
	lastErr   atomic.Value // string

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	done    chan struct{}

	effects chan Effect
	channel broadcast.Channel
}

// New validates cfg and builds a worker. An invalid station yields a
// *config.ConfigurationError and no worker.
func New(cfg config.Station, deps Deps) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Pacer == nil {
		return nil, errors.New("station: pacer is required")
	}
	if deps.Channels == nil {
		deps.Channels = IcecastFactory
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.ReconnectMin <= 0 {
		deps.ReconnectMin = 500 * time.Millisecond
	}
	if deps.ReconnectMax <= 0 {
		deps.ReconnectMax = 30 * time.Second
	}

	runID := uuid.NewString()
	w := &Worker{
		cfg:     cfg,
		deps:    deps,
		runID:   runID,
		log:     deps.Log.With(logx.String("station", cfg.Name), logx.String("run", runID[:8])),
		done:    make(chan struct{}),
		effects: make(chan Effect, effectQueueSize),
	}
	w.relay.Store(cfg.Relay.Mode.Bool())
	w.lastErr.Store("")
	w.channel = deps.Channels(ChannelConfig{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port.Int(),
		User:     cfg.Server.User,
		Password: cfg.Server.SourcePassword,
		Mount:    cfg.Server.Mount(cfg.Media.Format),
		Info: broadcast.Info{
			Name:        cfg.Info.Name,
			Description: cfg.Info.Description,
			Genre:       cfg.Info.Genre,
			URL:         cfg.Info.URL,
			Public:      cfg.Server.Public.Bool(),
			Format:      cfg.Media.Format,
			Bitrate:     cfg.Media.Bitrate.Int(),
			Samplerate:  cfg.Media.Samplerate.Int(),
			Channels:    cfg.Media.Voices.Int(),
			OggQuality:  cfg.Media.OggQuality.Int(),
		},
	})
	return w, nil
}

func (w *Worker) Name() string           { return w.cfg.Name }
func (w *Worker) RunID() string          { return w.runID }
func (w *Worker) Config() config.Station { return w.cfg }
func (w *Worker) State() State           { return State(w.state.Load()) }

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Alive reports whether the worker has not finished. A worker that was
// built but not yet scheduled counts as alive.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Stopped reports a permanent stop: the station must not be recreated.
func (w *Worker) Stopped() bool { return w.permanent.Load() }

// LastError is the error that ended the last run, if any.
func (w *Worker) LastError() string {
	s, _ := w.lastErr.Load().(string)
	return s
}

// Stop tears the worker down permanently. It does not wait; use Done. A
// worker stopped before Run returns from Run without streaming.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.permanent.Store(true)
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Next skips the current item. Any non-zero count skips exactly the
// current item.
func (w *Worker) Next(count int) {
	if count != 0 {
		w.skip.Store(true)
	}
}

// SetRelay switches between relay and playlist mode at the next chunk.
func (w *Worker) SetRelay(on bool) { w.relay.Store(on) }

// Control dispatches a remote command. "/media/next" and "/media/relay"
// are accepted as aliases.
func (w *Worker) Control(cmd, value string) error {
	switch NormalizeCommand(cmd) {
	case "next":
		n := 1
		if v := strings.TrimSpace(value); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("next: invalid count %q", value)
			}
			n = parsed
		}
		w.Next(n)
		return nil
	case "relay":
		on, err := parseFlag(value)
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		w.SetRelay(on)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

// NormalizeCommand maps "/media/next", "/next" and "next" to "next".
func NormalizeCommand(cmd string) string {
	c := strings.ToLower(strings.TrimSpace(cmd))
	c = strings.TrimPrefix(c, "/")
	c = strings.TrimPrefix(c, "media/")
	return c
}

func parseFlag(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid flag %q", v)
	}
}

// Snapshot returns the worker's current status.
func (w *Worker) Snapshot() Snapshot {
	s := Snapshot{
		Name:      w.cfg.Name,
		RunID:     w.runID,
		State:     w.State().String(),
		Relay:     w.relay.Load(),
		Plays:     int(w.plays.Load()),
		LastError: w.LastError(),
		ListenURL: w.cfg.ListenURL(),
	}
	w.mu.Lock()
	s.StartedAt = w.startedAt
	w.mu.Unlock()
	if d := w.current.Load(); d != nil {
		cp := *d
		s.Current = &cp
	}
	return s
}

func (w *Worker) setState(s State) {
	if State(w.state.Swap(int32(s))) == s {
		return
	}
	if o := w.deps.Observer; o != nil {
		o.SetState(w.cfg.Name, int(s))
	}
	w.emit(Effect{Kind: EffectState, State: s, Err: w.LastError()})
}

// emit queues a side effect. A full queue drops it.
func (w *Worker) emit(e Effect) {
	e.Station = w.cfg.Name
	e.RunID = w.runID
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case w.effects <- e:
	default:
		w.log.Debug("side effect dropped (queue full)", logx.String("kind", string(e.Kind)))
		if o := w.deps.Observer; o != nil {
			o.EffectDropped(w.cfg.Name)
		}
	}
}

// Run streams until ctx is done, Stop is called, the playlist becomes
// empty or a fatal error occurs. A worker runs at most once.
func (w *Worker) Run(parent context.Context) (err error) {
	ctx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		cancel()
		return errors.New("station: worker already started")
	}
	w.started = true
	w.cancel = cancel
	w.startedAt = time.Now()
	if w.permanent.Load() {
		cancel()
	}
	w.mu.Unlock()

	var sideWG sync.WaitGroup
	sideCtx, sideCancel := context.WithCancel(context.WithoutCancel(parent))
	sideWG.Add(1)
	go func() {
		defer sideWG.Done()
		w.drainEffects(sideCtx)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("station %s panicked: %v", w.cfg.Name, r)
			w.log.Error("worker panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		_ = w.channel.Close()
		if err != nil {
			w.lastErr.Store(err.Error())
		}
		w.setState(Stopped)
		cancel()
		// Let queued effects (including the final state) flush.
		close(w.effects)
		sideWG.Wait()
		sideCancel()
		close(w.done)
	}()

	w.setState(Initializing)
	if ctx.Err() != nil {
		return nil
	}
	if err := w.channel.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open broadcast channel: %w", err)
	}
	w.log.Info("station streaming", logx.String("url", w.cfg.ListenURL()))
	w.setState(Streaming)

	pl := playlist.New(playlist.Options{
		Source:        w.cfg.Media.Path(),
		Format:        w.cfg.Media.Format,
		Shuffle:       w.cfg.Media.Shuffle.Bool(),
		JingleDir:     w.jingleDir(),
		JingleShuffle: w.cfg.Jingles.Shuffle.Bool(),
		Rand:          w.deps.Rand,
	})
	relayBackoff := w.deps.ReconnectMin

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.deps.Pacer.Acquire(ctx); err != nil {
			return nil
		}

		relayMode := w.relay.Load()
		var (
			src  media.ChunkSource
			desc media.Descriptor
			item playlist.Item
			err  error
		)
		if relayMode {
			src, err = media.OpenRelay(ctx, w.deps.HTTPClient, w.cfg.Relay.URL)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Warn("relay unavailable", logx.Err(err), logx.Duration("retry_in", relayBackoff))
				if !sleepCtx(ctx, relayBackoff) {
					return nil
				}
				relayBackoff = min(relayBackoff*2, w.deps.ReconnectMax)
				continue
			}
			relayBackoff = w.deps.ReconnectMin
			desc = media.Descriptor{Path: w.cfg.Relay.URL, Title: "Relaying " + w.cfg.Relay.URL}
		} else {
			item, err = pl.Next()
			if err != nil {
				var empty *playlist.EmptyPlaylistError
				if errors.As(err, &empty) {
					w.permanent.Store(true)
					w.log.Error("playlist empty; stopping station", logx.String("source", empty.Source))
					return err
				}
				return fmt.Errorf("playlist: %w", err)
			}
			if list := pl.Regenerated(); list != nil {
				w.emit(Effect{Kind: EffectPlaylist, Paths: list})
			}
			for _, p := range pl.Added() {
				if d, derr := media.Describe(p, w.cfg.Media.Bitrate.Int()); derr == nil {
					w.emit(Effect{Kind: EffectTrackAdded, Item: d})
				}
			}
			desc, err = media.Describe(item.Path, w.cfg.Media.Bitrate.Int())
			if err != nil {
				w.log.Warn("media file vanished; skipping", logx.String("path", item.Path), logx.Err(err))
				continue
			}
			src, err = w.openItem(ctx, item.Path)
			if err != nil {
				var sce *media.StreamCommandError
				if errors.As(err, &sce) {
					return err
				}
				w.log.Warn("cannot open media; skipping", logx.String("path", item.Path), logx.Err(err))
				continue
			}
		}

		w.current.Store(&desc)
		w.plays.Add(1)
		if o := w.deps.Observer; o != nil {
			o.ItemStarted(w.cfg.Name, item.Jingle, desc.Duration.Seconds())
		}
		w.emit(Effect{Kind: EffectTrackStarted, Item: desc, Jingle: item.Jingle, Relay: relayMode})
		w.log.Debug("item started", logx.String("path", desc.Path), logx.Bool("jingle", item.Jingle), logx.Bool("relay", relayMode))

		err = w.streamItem(ctx, src, relayMode)
		_ = src.Close()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) jingleDir() string {
	if !w.cfg.Jingles.Mode.Bool() {
		return ""
	}
	return w.cfg.Jingles.Dir
}

func (w *Worker) openItem(ctx context.Context, path string) (media.ChunkSource, error) {
	switch w.cfg.Media.ReadMode {
	case config.ReadProcess:
		return media.StartProcess(ctx, w.cfg.Media.Decoder, path)
	case config.ReadFast:
		return media.OpenFile(path, media.Fast)
	default:
		return media.OpenFile(path, media.Slow)
	}
}

// streamItem sends src chunk by chunk. It returns nil when the item ends,
// is skipped or the relay mode flips; a non-nil error ends the run.
func (w *Worker) streamItem(ctx context.Context, src media.ChunkSource, relayMode bool) error {
	for {
		if w.skip.Swap(false) {
			w.log.Info("skipping to next item")
			return nil
		}
		if w.relay.Load() != relayMode {
			return nil
		}
		if err := w.deps.Pacer.Acquire(ctx); err != nil {
			return err
		}
		chunk, err := src.Next(ctx)
		if err != nil {
			var re *media.RelayError
			if errors.As(err, &re) {
				w.log.Warn("relay ended", logx.Err(err))
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := w.send(ctx, chunk); err != nil {
			return err
		}
		if err := w.channel.Sync(ctx); err != nil {
			return err
		}
	}
}

// send delivers one chunk. On failure the channel is reopened with backoff
// and the same chunk is resent.
func (w *Worker) send(ctx context.Context, chunk []byte) error {
	backoff := w.deps.ReconnectMin
	for {
		err := w.channel.Send(ctx, chunk)
		if err == nil {
			if o := w.deps.Observer; o != nil {
				o.ChunkSent(w.cfg.Name, len(chunk))
			}
			if w.State() != Streaming {
				w.setState(Streaming)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if o := w.deps.Observer; o != nil {
			o.SendError(w.cfg.Name)
		}
		w.lastErr.Store(err.Error())
		w.setState(ErrorRecoverable)
		w.log.Warn("send failed; reconnecting", logx.Err(err), logx.Duration("backoff", backoff))

		_ = w.channel.Close()
		for {
			if !sleepCtx(ctx, rtsup.Jitter(backoff, 0.2)) {
				return ctx.Err()
			}
			backoff = min(backoff*2, w.deps.ReconnectMax)
			if err := w.channel.Open(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.log.Warn("reconnect failed", logx.Err(err), logx.Duration("backoff", backoff))
				continue
			}
			break
		}
	}
}

// drainEffects runs side effects off the streaming path. Metadata updates
// go to the broadcast server; everything is forwarded to the sink.
func (w *Worker) drainEffects(ctx context.Context) {
	for e := range w.effects {
		if e.Kind == EffectTrackStarted && !e.Relay {
			mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := w.channel.SetMetadata(mctx, e.Item.Song()); err != nil {
				w.log.Debug("metadata update failed", logx.Err(err))
			}
			cancel()
		}
		if w.deps.Sink != nil {
			w.deps.Sink.HandleEffect(ctx, e)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
