// Package media turns playlist items into chunk sequences and describes
// audio files.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	SubChunkSize  = 64 * 1024
	MainChunkSize = 1024 * 1024
)

// ChunkSource is a lazy, finite, non-restartable sequence of non-empty
// byte chunks. Next returns io.EOF after the last chunk.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// StreamCommandError reports a decode command that exited with failure.
type StreamCommandError struct {
	Command string
	Path    string
	Stderr  string
	Err     error
}

func (e *StreamCommandError) Error() string {
	msg := fmt.Sprintf("stream command %q failed for %s: %v", e.Command, e.Path, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *StreamCommandError) Unwrap() error { return e.Err }

// RelayError ends a relay sequence on remote EOF or failure.
type RelayError struct {
	URL string
	Err error
}

func (e *RelayError) Error() string { return fmt.Sprintf("relay %s: %v", e.URL, e.Err) }
func (e *RelayError) Unwrap() error { return e.Err }

// ReadMode selects how local files are chunked.
type ReadMode int

const (
	// Fast reads sub-chunk pieces straight from the file.
	Fast ReadMode = iota
	// Slow reads a main buffer and slices it into sub-chunks.
	Slow
)

// LocalFileChunker serves a local file as chunks of at most SubChunkSize.
type LocalFileChunker struct {
	f    *os.File
	mode ReadMode
	sub  int
	main int

	buf []byte // Slow mode: unsent remainder of the current main buffer
	eof bool
}

func OpenFile(path string, mode ReadMode) (*LocalFileChunker, error) {
	return openFile(path, mode, SubChunkSize, MainChunkSize)
}

func openFile(path string, mode ReadMode, sub, main int) (*LocalFileChunker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &LocalFileChunker{f: f, mode: mode, sub: sub, main: main}, nil
}

func (c *LocalFileChunker) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.mode == Fast {
		return c.readPiece(c.sub)
	}

	if len(c.buf) == 0 {
		if c.eof {
			return nil, io.EOF
		}
		main, err := c.readPiece(c.main)
		if err != nil {
			return nil, err
		}
		c.buf = main
	}
	n := min(c.sub, len(c.buf))
	out := c.buf[:n:n]
	c.buf = c.buf[n:]
	return out, nil
}

// readPiece reads up to n bytes; a short read marks end of file.
func (c *LocalFileChunker) readPiece(n int) ([]byte, error) {
	if c.eof {
		return nil, io.EOF
	}
	p := make([]byte, n)
	got, err := io.ReadFull(c.f, p)
	switch {
	case errors.Is(err, io.EOF):
		c.eof = true
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.eof = true
	case err != nil:
		return nil, err
	}
	return p[:got], nil
}

func (c *LocalFileChunker) Close() error { return c.f.Close() }
