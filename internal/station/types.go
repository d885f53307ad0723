package station

import (
	"context"
	"errors"
	"time"

	"airwave/internal/broadcast"
	"airwave/internal/media"
)

// State is a worker lifecycle state.
type State int32

const (
	Initializing State = iota
	Streaming
	ErrorRecoverable
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Streaming:
		return "streaming"
	case ErrorRecoverable:
		return "recovering"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownCommand = errors.New("unknown control command")
	ErrStopped        = errors.New("station stopped")
)

// Pacer hands out the shared pacing tokens.
type Pacer interface {
	Acquire(ctx context.Context) error
}

// Observer receives per-station measurements. Every method must be cheap.
type Observer interface {
	ChunkSent(station string, n int)
	SendError(station string)
	ItemStarted(station string, jingle bool, seconds float64)
	SetState(station string, state int)
	EffectDropped(station string)
}

// EffectKind names a side effect emitted by a worker.
type EffectKind string

const (
	EffectTrackStarted EffectKind = "track.started"
	EffectTrackAdded   EffectKind = "track.added"
	EffectPlaylist     EffectKind = "playlist"
	EffectState        EffectKind = "state"
)

// Effect is a side effect of streaming, handled off the streaming path.
type Effect struct {
	Kind    EffectKind
	Station string
	RunID   string
	Time    time.Time

	Item   media.Descriptor
	Jingle bool
	Relay  bool

	// Paths is the regenerated rotation in play order (EffectPlaylist).
	Paths []string

	State State
	Err   string
}

// Sink consumes side effects. Failures stay inside the sink.
type Sink interface {
	HandleEffect(ctx context.Context, e Effect)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Effect)

func (f SinkFunc) HandleEffect(ctx context.Context, e Effect) { f(ctx, e) }

// Snapshot is a point-in-time view of a worker.
type Snapshot struct {
	Name      string            `json:"name"`
	RunID     string            `json:"run_id"`
	State     string            `json:"state"`
	Relay     bool              `json:"relay"`
	Plays     int               `json:"plays"`
	Current   *media.Descriptor `json:"current,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	LastError string            `json:"last_error,omitempty"`
	ListenURL string            `json:"listen_url"`
}

// ChannelFactory builds the broadcast channel for a station.
type ChannelFactory func(cfg ChannelConfig) broadcast.Channel

// ChannelConfig is what a channel factory needs to connect.
type ChannelConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Mount    string
	Info     broadcast.Info
}

// IcecastFactory is the default ChannelFactory.
func IcecastFactory(cfg ChannelConfig) broadcast.Channel {
	return broadcast.NewIcecast(broadcast.IcecastConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Mount:    cfg.Mount,
		Info:     cfg.Info,
	})
}
