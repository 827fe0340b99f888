package audio

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Guard owns one native handle and guarantees it is released exactly once,
// whichever exit path the owner takes.
type Guard[T comparable] struct {
	mu       sync.Mutex
	handle   T
	released bool
	release  func(context.Context, T) error
}

// Acquire opens a handle through acquire and wraps it in a Guard. If acquire
// fails but still hands back a half-created handle, that handle is released
// before returning.
func Acquire[T comparable](ctx context.Context, acquire func(context.Context) (T, error), release func(context.Context, T) error) (*Guard[T], error) {
	var zero T
	h, err := acquire(ctx)
	if err != nil {
		if h != zero {
			err = multierr.Append(err, release(ctx, h))
		}
		return nil, err
	}
	return &Guard[T]{handle: h, release: release}, nil
}

// Handle returns the guarded handle and whether it is still held.
func (g *Guard[T]) Handle() (T, bool) {
	if g == nil {
		var zero T
		return zero, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handle, !g.released
}

// Held reports whether the handle has not been released yet.
func (g *Guard[T]) Held() bool {
	_, ok := g.Handle()
	return ok
}

// Release runs the default release once. Later calls are no-ops.
func (g *Guard[T]) Release(ctx context.Context) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return nil
	}
	g.released = true
	h := g.handle
	g.mu.Unlock()
	return g.release(ctx, h)
}

// Finalize hands the handle to fn as its closing operation (for example
// stopping a recorder to obtain its output). If fn fails the default release
// still runs so the handle never leaks.
func (g *Guard[T]) Finalize(ctx context.Context, fn func(context.Context, T) error) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return nil
	}
	g.released = true
	h := g.handle
	g.mu.Unlock()

	if err := fn(ctx, h); err != nil {
		// fn may have failed on ctx itself; the release still has to reach the device
		return multierr.Append(err, g.release(context.WithoutCancel(ctx), h))
	}
	return nil
}
