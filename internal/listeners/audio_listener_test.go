package listeners

import (
	"context"
	"testing"
	"time"

	"Murmur/internal/audio/audiotest"
	"Murmur/internal/composer"
	"Murmur/internal/playback"
	"Murmur/internal/publish"
	"Murmur/pkg/util"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingStartClearsPlayback(t *testing.T) {
	dev := audiotest.New()
	arb := playback.NewArbiter(dev)
	t.Cleanup(func() { _ = arb.Close(context.Background()) })
	sig := util.NewSignals()
	stop := InitAudioListeners(sig, arb)
	defer stop()

	ctx := context.Background()
	require.NoError(t, arb.Request(ctx, "story-1", "https://cdn.example.com/story-1.m4a"))
	assert.Equal(t, playback.Playing, arb.Phase())

	sig.Emit(composer.SigRecordingStarted, nil, ctx)
	assert.Equal(t, playback.Idle, arb.Phase())
	assert.Zero(t, dev.OpenPlayers())
}

func TestBackgroundGrace(t *testing.T) {
	dev := audiotest.New()
	clock := clockwork.NewFakeClock()
	arb := playback.NewArbiter(dev, playback.WithClock(clock), playback.WithBackgroundGrace(30*time.Second))
	t.Cleanup(func() { _ = arb.Close(context.Background()) })
	sig := util.NewSignals()
	defer InitAudioListeners(sig, arb)()

	ctx := context.Background()
	require.NoError(t, arb.Request(ctx, "story-1", "https://cdn.example.com/story-1.m4a"))
	sig.Emit(SigAppBackground, nil, ctx)
	sig.Emit(SigAppForeground, nil)
	clock.Advance(time.Minute)
	assert.Equal(t, playback.Playing, arb.Phase())

	sig.Emit(SigAppBackground, nil, ctx)
	clock.BlockUntil(1)
	clock.Advance(31 * time.Second)
	require.Eventually(t, func() bool { return arb.Phase() == playback.Idle }, time.Second, 5*time.Millisecond)
}

func TestDisconnect(t *testing.T) {
	dev := audiotest.New()
	arb := playback.NewArbiter(dev)
	t.Cleanup(func() { _ = arb.Close(context.Background()) })
	sig := util.NewSignals()
	InitAudioListeners(sig, arb)()

	ctx := context.Background()
	require.NoError(t, arb.Request(ctx, "story-1", "https://cdn.example.com/story-1.m4a"))
	sig.Emit(composer.SigRecordingStarted, nil, ctx)
	assert.Equal(t, playback.Playing, arb.Phase())

	// 非预期参数被忽略
	sig.Emit(publish.SigPostPublished, nil, "not a result")
}
