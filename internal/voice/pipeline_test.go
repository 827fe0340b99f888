package voice

import (
	"context"
	stderrors "errors"
	"os"
	"sync"
	"testing"
	"time"

	"Murmur/internal/audio"
	"Murmur/internal/models"
	"Murmur/pkg/cache"
	"Murmur/pkg/errors"
	"Murmur/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedConverter blocks each conversion until its voice is released.
type gatedConverter struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	fail  map[string]error
	calls []string
}

func newGatedConverter() *gatedConverter {
	return &gatedConverter{gates: make(map[string]chan struct{}), fail: make(map[string]error)}
}

func (c *gatedConverter) gate(voiceID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[voiceID]
	if !ok {
		g = make(chan struct{})
		c.gates[voiceID] = g
	}
	return g
}

func (c *gatedConverter) release(voiceID string) { close(c.gate(voiceID)) }

func (c *gatedConverter) Convert(ctx context.Context, sourceURI, voiceID string) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, voiceID)
	err := c.fail[voiceID]
	c.mu.Unlock()

	select {
	case <-c.gate(voiceID):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return "https://voice.example.com/out/" + voiceID + ".mp3", nil
}

func (c *gatedConverter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fakePreviewer struct {
	mu   sync.Mutex
	uris []string
	ids  []string
}

func (f *fakePreviewer) Request(ctx context.Context, itemID, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, itemID)
	f.uris = append(f.uris, uri)
	return nil
}

func (f *fakePreviewer) played() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uris...)
}

var raw = audio.AudioAsset{URI: "file:///tmp/rec-1.m4a", DurationSeconds: 12, ContentType: "audio/mp4"}

func waitStatus(t *testing.T, p *Pipeline, want JobStatus) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = p.Current()
		return ok && job.Status == want
	}, time.Second, time.Millisecond)
	return job
}

func TestPipeline_LastSelectionWins(t *testing.T) {
	conv := newGatedConverter()
	preview := &fakePreviewer{}
	p := NewPipeline(conv, WithAuthor(1), WithPreviewer(preview))
	ctx := context.Background()
	p.SetSource(ctx, raw)

	p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "voice-a"})
	p.Select(ctx, Selection{TargetUserID: 3, TargetVoiceID: "voice-b"})

	conv.release("voice-b")
	job := waitStatus(t, p, JobReady)
	assert.Equal(t, "voice-b", job.Selection.TargetVoiceID)

	// A resolves late and must not replace B
	conv.release("voice-a")
	p.Wait()

	asset, cloned := p.PublishAsset()
	assert.Equal(t, "https://voice.example.com/out/voice-b.mp3", asset.URI)
	require.NotNil(t, cloned)
	assert.Equal(t, uint(3), *cloned)
	assert.Equal(t, raw.DurationSeconds, asset.DurationSeconds)
	assert.Equal(t, []string{"https://voice.example.com/out/voice-b.mp3"}, preview.played())
}

func TestPipeline_OwnVoiceRevertsToRaw(t *testing.T) {
	conv := newGatedConverter()
	p := NewPipeline(conv, WithAuthor(1))
	ctx := context.Background()
	p.SetSource(ctx, raw)

	p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "voice-a"})
	conv.release("voice-a")
	waitStatus(t, p, JobReady)

	p.Select(ctx, Selection{})
	_, ok := p.Current()
	assert.False(t, ok)

	asset, cloned := p.PublishAsset()
	assert.Equal(t, raw, asset)
	assert.Nil(t, cloned)
	assert.Equal(t, raw, p.PlayableAsset())

	// picking your own user id is the same as no voice
	p.Select(ctx, Selection{TargetUserID: 1, TargetVoiceID: "voice-self"})
	_, ok = p.Current()
	assert.False(t, ok)
	assert.Equal(t, 1, conv.callCount())
}

func TestPipeline_PendingPublishesRaw(t *testing.T) {
	conv := newGatedConverter()
	p := NewPipeline(conv, WithAuthor(1))
	ctx := context.Background()
	p.SetSource(ctx, raw)

	job := p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "voice-a"})
	assert.Equal(t, JobPending, job.Status)

	asset, cloned := p.PublishAsset()
	assert.Equal(t, raw, asset)
	assert.Nil(t, cloned)

	conv.release("voice-a")
	p.Wait()
}

func TestPipeline_FailureIsNonFatal(t *testing.T) {
	conv := newGatedConverter()
	conv.fail["voice-a"] = stderrors.New("voice service 503")
	var mu sync.Mutex
	var seen []JobStatus
	p := NewPipeline(conv, WithAuthor(1), WithOnChange(func(j Job) {
		mu.Lock()
		seen = append(seen, j.Status)
		mu.Unlock()
	}))
	ctx := context.Background()
	p.SetSource(ctx, raw)

	p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "voice-a"})
	conv.release("voice-a")
	job := waitStatus(t, p, JobFailed)

	assert.True(t, errors.IsKind(job.Err, errors.KindConversionFailed))
	assert.False(t, errors.IsBlocking(job.Err))
	asset, cloned := p.PublishAsset()
	assert.Equal(t, raw, asset)
	assert.Nil(t, cloned)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []JobStatus{JobPending, JobFailed}, seen)
}

func TestPipeline_Timeout(t *testing.T) {
	conv := newGatedConverter()
	p := NewPipeline(conv, WithAuthor(1), WithTimeout(20*time.Millisecond))
	ctx := context.Background()
	p.SetSource(ctx, raw)

	p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "never"})
	job := waitStatus(t, p, JobFailed)
	assert.True(t, errors.IsKind(job.Err, errors.KindTimeout))
	assert.True(t, errors.IsKind(job.Err, errors.KindConversionFailed))
}

func TestPipeline_MemoisedResult(t *testing.T) {
	conv := newGatedConverter()
	preview := &fakePreviewer{}
	c := cache.NewGoCache(cache.LocalConfig{DefaultExpiration: time.Minute, CleanupInterval: time.Minute})
	p := NewPipeline(conv, WithAuthor(1), WithCache(c), WithPreviewer(preview))
	ctx := context.Background()
	p.SetSource(ctx, raw)

	p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "voice-a"})
	conv.release("voice-a")
	waitStatus(t, p, JobReady)

	conv.release("voice-b")
	p.Select(ctx, Selection{TargetUserID: 3, TargetVoiceID: "voice-b"})
	waitStatus(t, p, JobReady)

	job := p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "voice-a"})
	assert.Equal(t, JobReady, job.Status)
	assert.True(t, job.Cached)
	assert.Equal(t, 2, conv.callCount())
	assert.Len(t, preview.played(), 3)
	p.Wait()
}

func TestPipeline_NewSourceRestartsConversion(t *testing.T) {
	conv := newGatedConverter()
	p := NewPipeline(conv, WithAuthor(1))
	ctx := context.Background()

	// selecting before a recording exists does nothing yet
	p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "voice-a"})
	_, ok := p.Current()
	assert.False(t, ok)

	conv.release("voice-a")
	p.SetSource(ctx, raw)
	job := waitStatus(t, p, JobReady)
	assert.Equal(t, raw.URI, job.SourceURI)

	p.Reset(ctx)
	_, ok = p.Current()
	assert.False(t, ok)
	assert.True(t, p.PlayableAsset().IsZero())
}

// fileConverter writes each result to a fresh file under dir.
type fileConverter struct {
	dir string
	mu  sync.Mutex
	out []string
}

func (c *fileConverter) Convert(ctx context.Context, sourceURI, voiceID string) (string, error) {
	f, err := os.CreateTemp(c.dir, voiceID+"-*.mp3")
	if err != nil {
		return "", err
	}
	f.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, f.Name())
	return "file://" + f.Name(), nil
}

func (c *fileConverter) files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.out...)
}

func waitResult(t *testing.T, p *Pipeline, voiceID string) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = p.Current()
		return ok && job.Status == JobReady && job.Selection.TargetVoiceID == voiceID
	}, time.Second, time.Millisecond)
	return job
}

func TestPipeline_ReselectDeletesOldResult(t *testing.T) {
	conv := &fileConverter{dir: t.TempDir()}
	p := NewPipeline(conv, WithAuthor(1))
	ctx := context.Background()
	p.SetSource(ctx, raw)

	p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "voice-a"})
	waitResult(t, p, "voice-a")
	p.Select(ctx, Selection{TargetUserID: 3, TargetVoiceID: "voice-b"})
	waitResult(t, p, "voice-b")
	p.Wait()

	files := conv.files()
	require.Len(t, files, 2)
	assert.NoFileExists(t, files[0])
	assert.FileExists(t, files[1])

	p.Select(ctx, Selection{})
	assert.NoFileExists(t, files[1])
	assert.Equal(t, raw, p.PlayableAsset())
}

func TestPipeline_ResetDeletesMemoisedResults(t *testing.T) {
	conv := &fileConverter{dir: t.TempDir()}
	c := cache.NewGoCache(cache.LocalConfig{DefaultExpiration: time.Minute, CleanupInterval: time.Minute})
	p := NewPipeline(conv, WithAuthor(1), WithCache(c))
	ctx := context.Background()
	p.SetSource(ctx, raw)

	p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "voice-a"})
	waitResult(t, p, "voice-a")
	p.Select(ctx, Selection{TargetUserID: 3, TargetVoiceID: "voice-b"})
	waitResult(t, p, "voice-b")
	p.Wait()

	// both stay on disk while memoised
	files := conv.files()
	require.Len(t, files, 2)
	for _, f := range files {
		assert.FileExists(t, f)
	}

	p.Reset(ctx)
	for _, f := range files {
		assert.NoFileExists(t, f)
	}
	_, ok := c.Get(ctx, memoKey(raw.URI, "voice-a"))
	assert.False(t, ok)
}

func TestPipeline_StaleResultIsDeleted(t *testing.T) {
	conv := newGatedConverter()
	rel := &recordingReleaser{}
	p := NewPipeline(conv, WithAuthor(1), WithReleaser(rel))
	ctx := context.Background()
	p.SetSource(ctx, raw)

	p.Select(ctx, Selection{TargetUserID: 2, TargetVoiceID: "voice-a"})
	p.Reset(ctx)
	conv.release("voice-a")
	p.Wait()

	assert.Equal(t, []string{"https://voice.example.com/out/voice-a.mp3"}, rel.released())
}

type recordingReleaser struct {
	mu   sync.Mutex
	uris []string
}

func (r *recordingReleaser) Release(ctx context.Context, uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uris = append(r.uris, uri)
	return nil
}

func (r *recordingReleaser) released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.uris...)
}

func TestCandidates(t *testing.T) {
	db, err := util.InitDatabase("sqlite", "file::memory:", 0)
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	for _, uid := range []uint{1, 2, 3} {
		_, err := models.AddGroupMember(db, 9, uid, "")
		require.NoError(t, err)
	}
	require.NoError(t, models.SetVoiceClone(db, 9, 1, "v1", models.VoiceCloneReady))
	require.NoError(t, models.SetVoiceClone(db, 9, 2, "v2", models.VoiceCloneReady))
	require.NoError(t, models.SetVoiceClone(db, 9, 3, "v3", models.VoiceClonePending))

	list, err := Candidates(db, 9, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, Selection{TargetUserID: 2, TargetVoiceID: "v2"}, list[0].Selection())
}
