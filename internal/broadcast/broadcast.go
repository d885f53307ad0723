// Package broadcast implements the outbound source connection to a
// streaming server.
package broadcast

import (
	"context"
	"errors"
)

// ErrNotOpen is returned by Send on a closed channel.
var ErrNotOpen = errors.New("broadcast channel not open")

// Channel is a source connection to one mountpoint.
type Channel interface {
	Open(ctx context.Context) error
	Close() error
	Send(ctx context.Context, chunk []byte) error
	// Sync blocks until the data sent so far is due for real-time playback.
	Sync(ctx context.Context) error
	SetMetadata(ctx context.Context, song string) error
}

// Info is the stream description announced to the server.
type Info struct {
	Name        string
	Description string
	Genre       string
	URL         string
	Public      bool
	Format      string
	Bitrate     int
	Samplerate  int
	Channels    int
	OggQuality  int
}
