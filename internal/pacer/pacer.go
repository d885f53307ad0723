// Package pacer provides the shared pacing signal all station workers draw
// from. A single producer keeps at most one token ready; each worker takes a
// token before fetching an item and before sending every chunk.
package pacer

import (
	"context"

	"golang.org/x/time/rate"
)

type Option func(*Pacer)

// WithRate bounds token production. A non-positive rate means unbounded.
func WithRate(perSec float64, burst int) Option {
	return func(p *Pacer) {
		if perSec <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

type Pacer struct {
	tokens  chan struct{}
	limiter *rate.Limiter
}

func New(opts ...Option) *Pacer {
	p := &Pacer{tokens: make(chan struct{}, 1)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run produces tokens until ctx is done. Only one Run may be active.
func (p *Pacer) Run(ctx context.Context) error {
	for {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case p.tokens <- struct{}{}:
		}
	}
}

// Acquire blocks until a token is available or ctx is done.
func (p *Pacer) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.tokens:
		return nil
	}
}

// Backlog reports how many tokens are ready (0 or 1).
func (p *Pacer) Backlog() int { return len(p.tokens) }
