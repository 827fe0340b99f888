// Package playback enforces that only one audio stream plays at a time.
package playback

import (
	"context"
	"sync"
	"time"

	"Murmur/internal/audio"
	"Murmur/pkg/errors"
	"Murmur/pkg/metrics"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultBackgroundGrace = 30 * time.Second

// Token identifies what the arbiter is currently responsible for.
type Token struct {
	ItemID string
	URI    string
}

// Arbiter owns the single native player. Every command is serialized on
// opMu so device calls never interleave; mu guards the fields read by
// status callbacks and accessors.
type Arbiter struct {
	opMu sync.Mutex
	mu   sync.Mutex

	dev     audio.Player
	clock   clockwork.Clock
	grace   time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	subs    subscribers

	phase   Phase
	active  *Token
	player  *audio.Guard[audio.PlayerHandle]
	epoch   uint64
	pending map[string]int

	feed    map[string]int
	uris    map[string]string
	visible map[string]bool

	graceStop chan struct{}
	wg        sync.WaitGroup
	closed    bool
}

type Option func(*Arbiter)

func WithClock(c clockwork.Clock) Option { return func(a *Arbiter) { a.clock = c } }

func WithBackgroundGrace(d time.Duration) Option {
	return func(a *Arbiter) {
		if d > 0 {
			a.grace = d
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(a *Arbiter) { a.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(a *Arbiter) { a.metrics = m } }

func NewArbiter(dev audio.Player, opts ...Option) *Arbiter {
	a := &Arbiter{
		dev:     dev,
		clock:   clockwork.NewRealClock(),
		grace:   DefaultBackgroundGrace,
		log:     zap.NewNop(),
		pending: make(map[string]int),
		feed:    make(map[string]int),
		uris:    make(map[string]string),
		visible: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Active returns the token of the item that owns the player, if any.
func (a *Arbiter) Active() (Token, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return Token{}, false
	}
	return *a.active, true
}

func (a *Arbiter) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Subscribe registers fn for every arbiter event and returns its cancel func.
func (a *Arbiter) Subscribe(fn func(Event)) func() {
	return a.subs.add(fn)
}

func (a *Arbiter) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	fns := a.subs.snapshot()
	for _, ev := range events {
		if ev.Type != EventProgress {
			a.metrics.RecordPlayback(string(ev.Type))
		}
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// do runs one command with the device serialized and publishes its events
// once the lock is gone.
func (a *Arbiter) do(fn func() ([]Event, error)) error {
	a.opMu.Lock()
	events, err := fn()
	a.opMu.Unlock()
	a.publish(events)
	return err
}

func (a *Arbiter) setPhaseLocked(to Phase) bool {
	if !canTransition(a.phase, to) {
		a.log.Warn("rejected playback transition", zap.Stringer("from", a.phase), zap.Stringer("to", to))
		return false
	}
	a.phase = to
	return true
}

// Request makes itemID the only playing item. A paused itemID resumes; any
// other active item is paused and released first. A second Request for an
// item that is still being started is rejected.
func (a *Arbiter) Request(ctx context.Context, itemID, uri string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.NewKind(errors.KindInvalidTransition, "playback: arbiter closed")
	}
	if a.pending[itemID] > 0 {
		a.mu.Unlock()
		return rejected("request "+itemID, Starting)
	}
	a.pending[itemID]++
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.pending[itemID]--; a.pending[itemID] <= 0 {
			delete(a.pending, itemID)
		}
		a.mu.Unlock()
	}()

	return a.do(func() ([]Event, error) {
		return a.requestOp(ctx, itemID, uri)
	})
}

func (a *Arbiter) requestOp(ctx context.Context, itemID, uri string) ([]Event, error) {
	a.mu.Lock()
	cur, phase := a.active, a.phase
	if uri == "" {
		uri = a.uris[itemID]
	}
	a.mu.Unlock()

	if cur != nil && cur.ItemID == itemID && (uri == "" || uri == cur.URI) {
		switch phase {
		case Playing:
			return nil, nil
		case Paused:
			return a.resumeOp(ctx, *cur)
		}
	}
	if uri == "" {
		return nil, errors.NewKind(errors.KindPlaybackFailed, "playback: no audio for item "+itemID)
	}

	var events []Event
	if cur != nil {
		if ev, ok := a.releaseOp(ctx); ok {
			events = append(events, ev)
		}
	}

	a.mu.Lock()
	if !a.setPhaseLocked(Starting) {
		from := a.phase
		a.mu.Unlock()
		return events, rejected("request", from)
	}
	a.epoch++
	epoch := a.epoch
	tok := &Token{ItemID: itemID, URI: uri}
	a.active = tok
	a.mu.Unlock()

	guard, err := audio.Acquire(ctx, func(ctx context.Context) (audio.PlayerHandle, error) {
		return a.dev.CreatePlayer(ctx, uri, a.statusFunc(epoch, *tok))
	}, a.dev.Unload)
	if err == nil {
		h, _ := guard.Handle()
		if perr := a.dev.Play(ctx, h); perr != nil {
			err = multierr.Append(perr, guard.Release(ctx))
		}
	}
	if err != nil {
		cause := errors.WrapKind(errors.KindPlaybackFailed, err, "playback: start "+itemID)
		a.mu.Lock()
		a.active = nil
		a.player = nil
		a.epoch++
		a.setPhaseLocked(Idle)
		a.mu.Unlock()
		a.log.Warn("playback failed", zap.String("item", itemID), zap.Error(cause))
		return append(events, Event{Type: EventFailed, ItemID: itemID, URI: uri, Err: cause}), cause
	}

	a.mu.Lock()
	a.player = guard
	a.setPhaseLocked(Playing)
	a.mu.Unlock()
	return append(events, Event{Type: EventStarted, ItemID: itemID, URI: uri}), nil
}

func (a *Arbiter) resumeOp(ctx context.Context, tok Token) ([]Event, error) {
	a.mu.Lock()
	h, ok := a.player.Handle()
	a.mu.Unlock()
	if !ok {
		return nil, rejected("resume", Paused)
	}
	if err := a.dev.Play(ctx, h); err != nil {
		cause := errors.WrapKind(errors.KindPlaybackFailed, err, "playback: resume "+tok.ItemID)
		events := []Event{{Type: EventFailed, ItemID: tok.ItemID, URI: tok.URI, Err: cause}}
		a.releaseOp(ctx)
		return events, cause
	}
	a.mu.Lock()
	a.setPhaseLocked(Playing)
	a.mu.Unlock()
	return []Event{{Type: EventResumed, ItemID: tok.ItemID, URI: tok.URI}}, nil
}

// Pause pauses itemID if it is the playing item. The token stays set so the
// item can be resumed with Request.
func (a *Arbiter) Pause(ctx context.Context, itemID string) error {
	return a.do(func() ([]Event, error) {
		return a.pauseOp(ctx, itemID)
	})
}

func (a *Arbiter) pauseOp(ctx context.Context, itemID string) ([]Event, error) {
	a.mu.Lock()
	if a.active == nil || a.active.ItemID != itemID {
		a.mu.Unlock()
		return nil, errors.NewKind(errors.KindInvalidTransition, "playback: "+itemID+" is not the active item")
	}
	if a.phase == Paused {
		a.mu.Unlock()
		return nil, nil
	}
	if a.phase != Playing {
		from := a.phase
		a.mu.Unlock()
		return nil, rejected("pause", from)
	}
	tok := *a.active
	h, _ := a.player.Handle()
	a.mu.Unlock()

	if err := a.dev.Pause(ctx, h); err != nil {
		cause := errors.WrapKind(errors.KindPlaybackFailed, err, "playback: pause "+itemID)
		a.releaseOp(ctx)
		return []Event{{Type: EventFailed, ItemID: tok.ItemID, URI: tok.URI, Err: cause}}, cause
	}
	a.mu.Lock()
	a.setPhaseLocked(Paused)
	a.mu.Unlock()
	return []Event{{Type: EventPaused, ItemID: tok.ItemID, URI: tok.URI}}, nil
}

// Clear pauses and releases whatever is loaded and forgets the active item.
// Called on navigation away, after the background grace window, and
// whenever a recording starts.
func (a *Arbiter) Clear(ctx context.Context) error {
	return a.do(func() ([]Event, error) {
		if ev, ok := a.releaseOp(ctx); ok {
			return []Event{ev}, nil
		}
		return nil, nil
	})
}

// releaseOp tears the active player down. It reports the Cleared event for
// the item it released, if there was one. Device errors are logged only: the
// handle is gone either way.
func (a *Arbiter) releaseOp(ctx context.Context) (Event, bool) {
	a.mu.Lock()
	tok, guard, phase := a.active, a.player, a.phase
	a.active = nil
	a.player = nil
	a.epoch++
	if phase != Idle {
		a.phase = Idle
	}
	a.mu.Unlock()

	if guard != nil {
		var err error
		if phase == Playing {
			if h, ok := guard.Handle(); ok {
				err = a.dev.Pause(ctx, h)
			}
		}
		if rerr := guard.Release(ctx); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		if err != nil {
			a.log.Warn("release player", zap.Error(err))
		}
	}
	if tok == nil {
		return Event{}, false
	}
	return Event{Type: EventCleared, ItemID: tok.ItemID, URI: tok.URI}, true
}

// Seek moves the playhead of the active item.
func (a *Arbiter) Seek(ctx context.Context, itemID string, positionMs int64) error {
	return a.do(func() ([]Event, error) {
		a.mu.Lock()
		if a.active == nil || a.active.ItemID != itemID || (a.phase != Playing && a.phase != Paused) {
			from := a.phase
			a.mu.Unlock()
			return nil, rejected("seek "+itemID, from)
		}
		h, _ := a.player.Handle()
		a.mu.Unlock()
		if err := a.dev.Seek(ctx, h, positionMs); err != nil {
			return nil, errors.WrapKind(errors.KindPlaybackFailed, err, "playback: seek "+itemID)
		}
		return nil, nil
	})
}

// statusFunc binds device status updates to the player generation they
// belong to; updates from a released player are ignored.
func (a *Arbiter) statusFunc(epoch uint64, tok Token) audio.StatusFunc {
	return func(st audio.PlayerStatus) {
		a.mu.Lock()
		current := a.epoch == epoch && !a.closed
		if current && st.DidFinish {
			// Add under mu: Close sets closed under mu before it waits.
			// completion may be reported from inside a device call that
			// holds opMu, so it is handled off this goroutine
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.finish(epoch)
			}()
		}
		a.mu.Unlock()
		if !current || st.DidFinish {
			return
		}
		a.publish([]Event{{
			Type:       EventProgress,
			ItemID:     tok.ItemID,
			URI:        tok.URI,
			PositionMs: st.PositionMs,
			DurationMs: st.DurationMs,
		}})
	}
}

func (a *Arbiter) finish(epoch uint64) {
	_ = a.do(func() ([]Event, error) {
		a.mu.Lock()
		stale := a.epoch != epoch || a.active == nil
		a.mu.Unlock()
		if stale {
			return nil, nil
		}
		ev, ok := a.releaseOp(context.Background())
		if !ok {
			return nil, nil
		}
		ev.Type = EventFinished
		return []Event{ev}, nil
	})
}

// OnBackground arms the grace timer; if the app is still backgrounded when
// it fires, playback is cleared.
func (a *Arbiter) OnBackground(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.graceStop != nil {
		return
	}
	timer := a.clock.NewTimer(a.grace)
	stop := make(chan struct{})
	a.graceStop = stop

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer timer.Stop()
		select {
		case <-timer.Chan():
			a.mu.Lock()
			if a.graceStop != stop {
				// disarmed while the timer was firing
				a.mu.Unlock()
				return
			}
			a.graceStop = nil
			a.mu.Unlock()
			a.log.Debug("background grace expired, clearing playback")
			if err := a.Clear(context.WithoutCancel(ctx)); err != nil {
				a.log.Warn("clear after background", zap.Error(err))
			}
		case <-stop:
		}
	}()
}

// OnForeground disarms a pending background timer.
func (a *Arbiter) OnForeground() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disarmLocked()
}

func (a *Arbiter) disarmLocked() {
	if a.graceStop != nil {
		close(a.graceStop)
		a.graceStop = nil
	}
}

// Close releases the player and stops accepting commands.
func (a *Arbiter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.disarmLocked()
	a.mu.Unlock()

	err := a.Clear(ctx)

	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
	return err
}
