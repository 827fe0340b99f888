package composer

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"Murmur/internal/audio/audiotest"
	"Murmur/internal/publish"
	"Murmur/internal/recording"
	"Murmur/internal/voice"
	"Murmur/pkg/errors"
	"Murmur/pkg/util"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConverter struct{}

func (stubConverter) Convert(ctx context.Context, sourceURI, voiceID string) (string, error) {
	return "https://voice.example.com/" + voiceID + ".mp3", nil
}

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(ctx context.Context, uri string) (string, error) {
	return "hello from " + uri, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	drafts []publish.PostDraft
}

func (f *fakePublisher) Publish(ctx context.Context, d *publish.PostDraft) (*publish.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, *d)
	if f.err != nil {
		return nil, f.err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &publish.Result{Kind: d.Kind, DraftID: d.ID, ID: uint(len(f.drafts)), AuthorID: d.AuthorID}, nil
}

func (f *fakePublisher) last() publish.PostDraft {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drafts[len(f.drafts)-1]
}

type fixture struct {
	dev     *audiotest.Device
	clock   clockwork.FakeClock
	voice   *voice.Pipeline
	pub     *fakePublisher
	signals *util.Signals
	c       *Composer
	sess    *recording.Session
}

func newFixture(t *testing.T, opts ...recording.Option) *fixture {
	t.Helper()
	f := &fixture{
		dev:     audiotest.New(),
		clock:   clockwork.NewFakeClock(),
		pub:     &fakePublisher{},
		signals: util.NewSignals(),
	}
	f.voice = voice.NewPipeline(stubConverter{}, voice.WithAuthor(1))
	surface := recording.NewSurface("story", f.dev, append([]recording.Option{recording.WithClock(f.clock)}, opts...)...)
	draft := publish.NewStoryDraft(1)
	draft.Title = "monday"
	f.c = New(surface, f.voice, f.pub, draft, WithSignals(f.signals))

	var err error
	f.sess, err = f.c.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.c.Close(context.Background()) })
	return f
}

func (f *fixture) record(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.c.Start(ctx))
	f.clock.Advance(8 * time.Second)
	require.NoError(t, f.c.Stop(ctx))
}

func TestSendRawWhenOwnVoiceReselected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t)

	f.c.SelectVoice(ctx, voice.Selection{TargetUserID: 2, TargetVoiceID: "v2"})
	f.voice.Wait()
	job, ok := f.voice.Current()
	require.True(t, ok)
	assert.Equal(t, voice.JobReady, job.Status)

	f.c.SelectVoice(ctx, voice.Selection{TargetUserID: 1})
	res, err := f.c.Send(ctx)
	require.NoError(t, err)
	assert.Equal(t, publish.KindStory, res.Kind)

	d := f.pub.last()
	assert.Equal(t, "file:///tmp/rec-1.m4a", d.Asset.URI)
	assert.Nil(t, d.ClonedVoiceUserID)
	assert.Equal(t, "monday", d.Title)
	assert.Equal(t, recording.Published, f.sess.State())
}

func TestSendConvertedVoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.record(t)

	f.c.SelectVoice(ctx, voice.Selection{TargetUserID: 2, TargetVoiceID: "v2"})
	f.voice.Wait()
	_, err := f.c.Send(ctx)
	require.NoError(t, err)

	d := f.pub.last()
	assert.Equal(t, "https://voice.example.com/v2.mp3", d.Asset.URI)
	require.NotNil(t, d.ClonedVoiceUserID)
	assert.EqualValues(t, 2, *d.ClonedVoiceUserID)
	assert.InDelta(t, 12, d.Asset.DurationSeconds, 0.001)
}

func TestSendFailureKeepsRecording(t *testing.T) {
	f := newFixture(t, recording.WithTranscriber(stubTranscriber{}, time.Second))
	ctx := context.Background()
	f.record(t)
	require.Eventually(t, func() bool { return f.sess.State() == recording.ReviewReady }, time.Second, 5*time.Millisecond)

	f.pub.err = errors.NewKind(errors.KindUploadFailed, "upload audio")
	_, err := f.c.Send(ctx)
	assert.True(t, errors.IsKind(err, errors.KindUploadFailed))
	assert.Equal(t, recording.ReviewReady, f.sess.State())
	assert.Zero(t, f.dev.Released("file:///tmp/rec-1.m4a"))

	f.pub.err = nil
	_, err = f.c.Send(ctx)
	require.NoError(t, err)
	d := f.pub.last()
	require.NotNil(t, d.Transcript)
	assert.Equal(t, "hello from file:///tmp/rec-1.m4a", d.Transcript.Text)
	assert.Equal(t, d.Asset.URI, d.Transcript.SourceURI)

	// 第二次发送的草稿 id 与失败那次相同
	f.pub.mu.Lock()
	assert.Equal(t, f.pub.drafts[0].ID, f.pub.drafts[1].ID)
	f.pub.mu.Unlock()
	assert.NotEqual(t, d.ID, f.c.Draft().ID)
}

func TestSendRequiresTitle(t *testing.T) {
	f := newFixture(t)
	f.c.Edit(func(d *publish.PostDraft) { d.Title = "  " })
	f.record(t)

	_, err := f.c.Send(context.Background())
	assert.True(t, errors.IsKind(err, errors.KindInvalidDraft))
	assert.Equal(t, recording.ReviewReady, f.sess.State())
}

func TestSendBeforeRecording(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.Send(context.Background())
	assert.True(t, stderrors.Is(err, recording.ErrInvalidTransition))
}

func TestDiscardResetsVoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var discarded int
	f.signals.Connect(SigRecordingDiscarded, func(sender any, params ...any) { discarded++ })

	f.record(t)
	f.c.SelectVoice(ctx, voice.Selection{TargetUserID: 2, TargetVoiceID: "v2"})
	f.voice.Wait()
	require.NoError(t, f.c.Discard(ctx))

	_, ok := f.voice.Current()
	assert.False(t, ok)
	assert.True(t, f.voice.PlayableAsset().IsZero())
	assert.Equal(t, 1, discarded)
	assert.Equal(t, 1, f.dev.Released("file:///tmp/rec-1.m4a"))
}

func TestStartEmitsSignal(t *testing.T) {
	f := newFixture(t)
	started := make(chan any, 1)
	f.signals.Connect(SigRecordingStarted, func(sender any, params ...any) { started <- sender })

	require.NoError(t, f.c.Start(context.Background()))
	select {
	case sender := <-started:
		assert.Same(t, f.c, sender)
	default:
		t.Fatal("recording.started not emitted")
	}
}

func TestOpenTwiceRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.Open()
	assert.True(t, stderrors.Is(err, recording.ErrSessionAlreadyOpen))
}
