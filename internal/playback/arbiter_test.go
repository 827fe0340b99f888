package playback

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"Murmur/internal/audio"
	"Murmur/internal/audio/audiotest"
	"Murmur/pkg/errors"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(a *Arbiter) *recorder {
	r := &recorder{}
	a.Subscribe(func(ev Event) {
		if ev.Type == EventProgress {
			return
		}
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, string(ev.Type)+" "+ev.ItemID)
	}
	return out
}

func (r *recorder) has(s string) bool {
	for _, v := range r.list() {
		if v == s {
			return true
		}
	}
	return false
}

func uri(id string) string { return "https://cdn.example.com/" + id + ".m4a" }

func TestArbiter_MutualExclusion(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	ev := record(a)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, a.Request(ctx, id, uri(id)))
	}

	tok, ok := a.Active()
	require.True(t, ok)
	assert.Equal(t, "c", tok.ItemID)
	assert.Equal(t, Playing, a.Phase())
	assert.Equal(t, 1, dev.MaxOpenPlayers())
	assert.Equal(t, 1, dev.MaxPlaying())
	assert.Equal(t, []string{uri("c")}, dev.Playing())
	assert.Equal(t, []string{"started a", "cleared a", "started b", "cleared b", "started c"}, ev.list())

	log := dev.Log()
	assert.Less(t, indexOf(log, "pause "+uri("a")), indexOf(log, "create player-2 "+uri("b")))
	assert.Less(t, indexOf(log, "unload "+uri("a")), indexOf(log, "create player-2 "+uri("b")))
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestArbiter_ConcurrentRequests(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("item-%d", i)
			_ = a.Request(ctx, id, uri(id))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, dev.MaxOpenPlayers())
	assert.Equal(t, 1, dev.MaxPlaying())
	assert.Equal(t, 1, dev.OpenPlayers())
	_, ok := a.Active()
	assert.True(t, ok)
}

func TestArbiter_PauseAndResume(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	ev := record(a)
	ctx := context.Background()

	require.NoError(t, a.Request(ctx, "a", uri("a")))
	require.NoError(t, a.Pause(ctx, "a"))
	assert.Equal(t, Paused, a.Phase())
	tok, ok := a.Active()
	require.True(t, ok)
	assert.Equal(t, "a", tok.ItemID)
	assert.Empty(t, dev.Playing())

	// pausing twice is harmless
	require.NoError(t, a.Pause(ctx, "a"))

	require.NoError(t, a.Request(ctx, "a", ""))
	assert.Equal(t, Playing, a.Phase())
	assert.Equal(t, []string{"started a", "paused a", "resumed a"}, ev.list())

	creates := 0
	for _, l := range dev.Log() {
		if len(l) > 7 && l[:7] == "create " {
			creates++
		}
	}
	assert.Equal(t, 1, creates)
}

func TestArbiter_PauseOtherItemRejected(t *testing.T) {
	a := NewArbiter(audiotest.New())
	ctx := context.Background()

	assert.ErrorIs(t, a.Pause(ctx, "a"), ErrTransitionRejected)
	require.NoError(t, a.Request(ctx, "a", uri("a")))
	assert.ErrorIs(t, a.Pause(ctx, "b"), ErrTransitionRejected)
	assert.ErrorIs(t, a.Seek(ctx, "b", 100), ErrTransitionRejected)
	assert.NoError(t, a.Seek(ctx, "a", 100))
}

func TestArbiter_ClearReleasesHandle(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	ev := record(a)
	ctx := context.Background()

	require.NoError(t, a.Request(ctx, "a", uri("a")))
	require.NoError(t, a.Clear(ctx))
	require.NoError(t, a.Clear(ctx))

	_, ok := a.Active()
	assert.False(t, ok)
	assert.Equal(t, Idle, a.Phase())
	assert.Equal(t, 0, dev.OpenPlayers())
	assert.Equal(t, []string{"started a", "cleared a"}, ev.list())
}

func TestArbiter_CreateFailure(t *testing.T) {
	dev := audiotest.New()
	dev.CreateErr = func(u string) error {
		if u == uri("broken") {
			return stderrors.New("unsupported codec")
		}
		return nil
	}
	a := NewArbiter(dev)
	ev := record(a)
	ctx := context.Background()

	require.NoError(t, a.Request(ctx, "a", uri("a")))
	err := a.Request(ctx, "broken", uri("broken"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindPlaybackFailed))
	assert.False(t, errors.IsBlocking(err))

	_, ok := a.Active()
	assert.False(t, ok)
	assert.Equal(t, Idle, a.Phase())
	assert.Equal(t, 0, dev.OpenPlayers())
	assert.True(t, ev.has("failed broken"))

	// the arbiter can still play something else
	require.NoError(t, a.Request(ctx, "b", uri("b")))
	assert.Equal(t, []string{uri("b")}, dev.Playing())
}

func TestArbiter_PlayFailureReleasesHandle(t *testing.T) {
	dev := audiotest.New()
	dev.PlayErr = stderrors.New("audio session interrupted")
	a := NewArbiter(dev)

	err := a.Request(context.Background(), "a", uri("a"))
	assert.True(t, errors.IsKind(err, errors.KindPlaybackFailed))
	assert.Equal(t, 0, dev.OpenPlayers())
	_, ok := a.Active()
	assert.False(t, ok)
}

func TestArbiter_DuplicateRequestWhileStarting(t *testing.T) {
	dev := audiotest.New()
	gate := make(chan struct{})
	dev.CreateErr = func(string) error {
		<-gate
		return nil
	}
	a := NewArbiter(dev)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- a.Request(ctx, "a", uri("a")) }()
	require.Eventually(t, func() bool { return a.Phase() == Starting }, time.Second, time.Millisecond)

	assert.ErrorIs(t, a.Request(ctx, "a", uri("a")), ErrTransitionRejected)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, Playing, a.Phase())
	assert.Equal(t, 1, dev.OpenPlayers())
}

func TestArbiter_Completion(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	ev := record(a)
	ctx := context.Background()

	require.NoError(t, a.Request(ctx, "a", uri("a")))
	require.True(t, dev.Finish(uri("a")))

	require.Eventually(t, func() bool { return ev.has("finished a") }, time.Second, time.Millisecond)
	_, ok := a.Active()
	assert.False(t, ok)
	assert.Equal(t, 0, dev.OpenPlayers())
	assert.False(t, ev.has("cleared a"))
}

func TestArbiter_StaleCompletionIgnored(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	ctx := context.Background()

	require.NoError(t, a.Request(ctx, "a", uri("a")))
	a.mu.Lock()
	epochA := a.epoch
	a.mu.Unlock()
	require.NoError(t, a.Request(ctx, "b", uri("b")))

	// a late completion from a's player must not tear down b
	a.statusFunc(epochA, Token{ItemID: "a", URI: uri("a")})(audio.PlayerStatus{DidFinish: true})
	a.wg.Wait()

	tok, ok := a.Active()
	require.True(t, ok)
	assert.Equal(t, "b", tok.ItemID)
	assert.Equal(t, []string{uri("b")}, dev.Playing())
}

func TestArbiter_Progress(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	var mu sync.Mutex
	var got []Event
	a.Subscribe(func(ev Event) {
		if ev.Type == EventProgress {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}
	})

	require.NoError(t, a.Request(context.Background(), "a", uri("a")))
	dev.Progress(uri("a"), 1500, 9000)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ItemID)
	assert.EqualValues(t, 1500, got[0].PositionMs)
	assert.EqualValues(t, 9000, got[0].DurationMs)
}

func TestArbiter_Unsubscribe(t *testing.T) {
	a := NewArbiter(audiotest.New())
	n := 0
	cancel := a.Subscribe(func(Event) { n++ })
	require.NoError(t, a.Request(context.Background(), "a", uri("a")))
	cancel()
	cancel()
	require.NoError(t, a.Clear(context.Background()))
	assert.Equal(t, 1, n)
}

func TestArbiter_VisibilityAutoplay(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	ev := record(a)
	ctx := context.Background()
	a.SetFeed([]FeedItem{{"x", uri("x")}, {"y", uri("y")}})

	require.NoError(t, a.OnVisibilityChanged(ctx, "x", "", true))
	tok, ok := a.Active()
	require.True(t, ok)
	assert.Equal(t, "x", tok.ItemID)
	assert.Equal(t, []string{uri("x")}, dev.Playing())

	require.NoError(t, a.OnVisibilityChanged(ctx, "x", "", false))
	_, ok = a.Active()
	assert.False(t, ok)
	assert.Equal(t, 0, dev.OpenPlayers())
	assert.Equal(t, []string{"started x", "paused x", "cleared x"}, ev.list())
}

func TestArbiter_BatchPlaysTopmostOnly(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	ctx := context.Background()
	a.SetFeed([]FeedItem{{"a", uri("a")}, {"b", uri("b")}, {"c", uri("c")}})

	require.NoError(t, a.OnVisibilityBatch(ctx, []VisibilityEvent{
		{ItemID: "c", Visible: true},
		{ItemID: "b", Visible: true},
	}))

	tok, ok := a.Active()
	require.True(t, ok)
	assert.Equal(t, "b", tok.ItemID)
	assert.Equal(t, []string{uri("b")}, dev.Playing())
	assert.Equal(t, 1, dev.MaxOpenPlayers())
	assert.Equal(t, []string{"b", "c"}, a.VisibleItems())
}

func TestArbiter_NoAutoplayOverPlayingItem(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	ctx := context.Background()
	a.SetFeed([]FeedItem{{"a", uri("a")}, {"b", uri("b")}})

	require.NoError(t, a.Request(ctx, "voice-preview:1", "file:///tmp/converted.m4a"))
	require.NoError(t, a.OnVisibilityChanged(ctx, "a", "", true))

	tok, _ := a.Active()
	assert.Equal(t, "voice-preview:1", tok.ItemID)

	// a lower item appearing does not take over from the topmost one either
	require.NoError(t, a.Clear(ctx))
	require.NoError(t, a.OnVisibilityChanged(ctx, "b", "", true))
	_, ok := a.Active()
	assert.False(t, ok)
}

func TestArbiter_BackgroundGrace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dev := audiotest.New()
	a := NewArbiter(dev, WithClock(clock), WithBackgroundGrace(30*time.Second))
	ctx := context.Background()

	t.Run("foreground in time", func(t *testing.T) {
		require.NoError(t, a.Request(ctx, "a", uri("a")))
		a.OnBackground(ctx)
		clock.Advance(10 * time.Second)
		a.OnForeground()
		clock.Advance(time.Minute)

		_, ok := a.Active()
		assert.True(t, ok)
	})

	t.Run("grace expires", func(t *testing.T) {
		a.OnBackground(ctx)
		clock.Advance(31 * time.Second)
		require.Eventually(t, func() bool {
			_, ok := a.Active()
			return !ok
		}, time.Second, time.Millisecond)
		assert.Equal(t, 0, dev.OpenPlayers())
	})

	require.NoError(t, a.Close(ctx))
}

func TestArbiter_Close(t *testing.T) {
	dev := audiotest.New()
	a := NewArbiter(dev)
	ctx := context.Background()

	require.NoError(t, a.Request(ctx, "a", uri("a")))
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, 0, dev.OpenPlayers())
	assert.ErrorIs(t, a.Request(ctx, "b", uri("b")), ErrTransitionRejected)
}

// capturingDevice keeps the status callback of every player it creates.
type capturingDevice struct {
	*audiotest.Device
	mu  sync.Mutex
	cbs []audio.StatusFunc
}

func (d *capturingDevice) CreatePlayer(ctx context.Context, uri string, onStatus audio.StatusFunc) (audio.PlayerHandle, error) {
	d.mu.Lock()
	d.cbs = append(d.cbs, onStatus)
	d.mu.Unlock()
	return d.Device.CreatePlayer(ctx, uri, onStatus)
}

func (d *capturingDevice) last() audio.StatusFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cbs[len(d.cbs)-1]
}

func TestArbiter_CompletionRacingClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		dev := &capturingDevice{Device: audiotest.New()}
		a := NewArbiter(dev)
		ev := record(a)
		ctx := context.Background()
		require.NoError(t, a.Request(ctx, "a", uri("a")))
		cb := dev.last()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				cb(audio.PlayerStatus{DidFinish: true})
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Close(ctx))
		}()
		wg.Wait()

		// reports after Close are dropped
		before := len(ev.list())
		cb(audio.PlayerStatus{DidFinish: true})
		assert.Len(t, ev.list(), before)
		assert.Equal(t, 0, dev.OpenPlayers())
	}
}

func TestIsVisible(t *testing.T) {
	assert.True(t, IsVisible(0.8))
	assert.True(t, IsVisible(1))
	assert.False(t, IsVisible(0.79))
}
