package stt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Router carries live audio through the enrollment hand-off. While the
// enrollment sample is being transcribed on primary, live frames go to
// preload. Once threshold has elapsed every frame goes to primary and
// preload is closed. The switch never reverts.
//
// Without a preload stream Router passes every frame to primary.
type Router struct {
	primary   Stream
	preload   Stream
	threshold time.Duration
	now       func() time.Time
	start     time.Time
	log       zerolog.Logger

	mu          sync.Mutex
	switched    bool
	preloadOnce sync.Once
	preloadErr  error
}

// NewRouter starts the hand-off clock now.
func NewRouter(primary, preload Stream, threshold time.Duration, log zerolog.Logger) *Router {
	return newRouter(primary, preload, threshold, time.Now, log)
}

func newRouter(primary, preload Stream, threshold time.Duration, now func() time.Time, log zerolog.Logger) *Router {
	return &Router{
		primary:   primary,
		preload:   preload,
		threshold: threshold,
		now:       now,
		start:     now(),
		switched:  preload == nil,
		log:       log,
	}
}

func (r *Router) Send(ctx context.Context, pcm []byte) error {
	r.mu.Lock()
	if !r.switched {
		if r.now().Sub(r.start) < r.threshold {
			r.mu.Unlock()
			return r.preload.Send(ctx, pcm)
		}
		r.switched = true
		r.log.Info().Dur("after", r.now().Sub(r.start)).Msg("enrollment hand-off to primary stream")
		// Flushing preload can take seconds; live audio must not wait on it.
		go r.closePreload()
	}
	r.mu.Unlock()
	return r.primary.Send(ctx, pcm)
}

// Switched reports whether frames now go to the primary stream.
func (r *Router) Switched() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.switched
}

func (r *Router) closePreload() error {
	r.preloadOnce.Do(func() {
		if r.preload != nil {
			r.preloadErr = r.preload.Close()
		}
	})
	return r.preloadErr
}

// Close releases both streams. It waits for a hand-off close that is
// still in flight.
func (r *Router) Close() error {
	r.mu.Lock()
	r.switched = true
	r.mu.Unlock()
	return errors.Join(r.closePreload(), r.primary.Close())
}
