package audio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ id string }

func (f *fakeHandle) ID() string { return f.id }

func TestGuardReleasesOnce(t *testing.T) {
	ctx := context.Background()
	releases := 0
	g, err := Acquire(ctx,
		func(context.Context) (PlayerHandle, error) { return &fakeHandle{"p1"}, nil },
		func(context.Context, PlayerHandle) error { releases++; return nil },
	)
	require.NoError(t, err)
	assert.True(t, g.Held())

	require.NoError(t, g.Release(ctx))
	require.NoError(t, g.Release(ctx))
	assert.Equal(t, 1, releases)
	assert.False(t, g.Held())
}

func TestAcquireReleasesHalfCreatedHandle(t *testing.T) {
	ctx := context.Background()
	var released []string
	boom := errors.New("codec error")

	g, err := Acquire(ctx,
		func(context.Context) (PlayerHandle, error) { return &fakeHandle{"half"}, boom },
		func(_ context.Context, h PlayerHandle) error { released = append(released, h.ID()); return nil },
	)
	assert.Nil(t, g)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"half"}, released)
}

func TestFinalizeFallsBackToRelease(t *testing.T) {
	ctx := context.Background()
	cancelled := 0
	g, err := Acquire(ctx,
		func(context.Context) (RecorderHandle, error) { return &fakeHandle{"r1"}, nil },
		func(context.Context, RecorderHandle) error { cancelled++; return nil },
	)
	require.NoError(t, err)

	stopErr := errors.New("stop failed")
	err = g.Finalize(ctx, func(context.Context, RecorderHandle) error { return stopErr })
	assert.ErrorIs(t, err, stopErr)
	assert.Equal(t, 1, cancelled)

	// already finalized: neither path runs again
	require.NoError(t, g.Release(ctx))
	assert.Equal(t, 1, cancelled)
}

func TestNilGuardIsSafe(t *testing.T) {
	var g *Guard[PlayerHandle]
	assert.NoError(t, g.Release(context.Background()))
	assert.False(t, g.Held())
}

func TestGeneration(t *testing.T) {
	var g Generation
	a := g.Next()
	assert.True(t, g.Valid(a))
	b := g.Next()
	assert.False(t, g.Valid(a))
	assert.True(t, g.Valid(b))
}

func TestAssetExt(t *testing.T) {
	assert.Equal(t, "m4a", AudioAsset{URI: "file:///tmp/rec-1.m4a"}.Ext())
	assert.Equal(t, "mp3", AudioAsset{URI: "https://cdn/x/converted.MP3?sig=1"}.Ext())
	assert.Equal(t, "wav", AudioAsset{URI: "https://cdn/x.y/blob", ContentType: "audio/wav"}.Ext())
	assert.Equal(t, "m4a", AudioAsset{URI: "content://recording"}.Ext())
}
