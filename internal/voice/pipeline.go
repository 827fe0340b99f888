// Package voice converts a recording into another group member's voice.
package voice

import (
	"context"
	"sync"
	"time"

	"Murmur/internal/audio"
	"Murmur/pkg/cache"
	"Murmur/pkg/errors"
	"Murmur/pkg/metrics"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 60 * time.Second
	// PreviewPrefix marks arbiter item ids that belong to conversion previews.
	PreviewPrefix = "voice-preview:"

	memoTTL = 30 * time.Minute
)

// Converter is the voice conversion service. The output is a new asset; the
// input is never modified.
type Converter interface {
	Convert(ctx context.Context, sourceURI, voiceID string) (string, error)
}

// AssetReleaser deletes a converted file once nothing refers to it.
// audio.Assets removes local file:// results and ignores remote ones.
type AssetReleaser interface {
	Release(ctx context.Context, uri string) error
}

// Previewer plays a ready result. The playback arbiter satisfies it.
type Previewer interface {
	Request(ctx context.Context, itemID, uri string) error
}

// Selection names whose voice the author wants. The zero value is the
// author's own voice.
type Selection struct {
	TargetUserID  uint   `json:"targetUserId"`
	TargetVoiceID string `json:"targetVoiceId"`
}

func (s Selection) IsOwn(authorID uint) bool {
	return s.TargetVoiceID == "" || s.TargetUserID == 0 || s.TargetUserID == authorID
}

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobReady   JobStatus = "ready"
	JobFailed  JobStatus = "failed"
)

// Job is one conversion attempt for one (source, selection) pair.
type Job struct {
	ID         string
	Selection  Selection
	SourceURI  string
	ResultURI  string
	Status     JobStatus
	Err        error
	Generation uint64
	StartedAt  time.Time
	Cached     bool
}

// Pipeline tracks the author's voice selection for one draft. Only the
// result of the latest selection is ever applied.
type Pipeline struct {
	mu sync.Mutex

	conv     Converter
	preview  Previewer
	releaser AssetReleaser
	cache    cache.Cache
	timeout  time.Duration
	clock    clockwork.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
	onChange func(Job)
	authorID uint

	source    *audio.AudioAsset
	selection Selection
	job       *Job
	derived   map[string]string // result uri -> memo key
	gen       audio.Generation
	wg        sync.WaitGroup
}

type Option func(*Pipeline)

func WithPreviewer(p Previewer) Option { return func(v *Pipeline) { v.preview = p } }

func WithReleaser(r AssetReleaser) Option { return func(v *Pipeline) { v.releaser = r } }

// WithCache memoises results per source and voice so switching back to a
// voice does not convert again.
func WithCache(c cache.Cache) Option { return func(v *Pipeline) { v.cache = c } }

func WithTimeout(d time.Duration) Option {
	return func(v *Pipeline) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func WithClock(c clockwork.Clock) Option { return func(v *Pipeline) { v.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(v *Pipeline) { v.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(v *Pipeline) { v.metrics = m } }

func WithAuthor(userID uint) Option { return func(v *Pipeline) { v.authorID = userID } }

// WithOnChange receives every job state change, including failures that
// should be shown as a warning.
func WithOnChange(fn func(Job)) Option { return func(v *Pipeline) { v.onChange = fn } }

func NewPipeline(conv Converter, opts ...Option) *Pipeline {
	p := &Pipeline{
		conv:     conv,
		timeout:  DefaultTimeout,
		clock:    clockwork.NewRealClock(),
		log:      zap.NewNop(),
		releaser: audio.Assets{},
		derived:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func memoKey(sourceURI, voiceID string) string {
	return "voice:" + sourceURI + "|" + voiceID
}

// Generate runs one conversion synchronously, bounded by the pipeline timeout.
func (p *Pipeline) Generate(ctx context.Context, sourceURI, voiceID string) (string, error) {
	if p.conv == nil {
		return "", errors.NewKind(errors.KindConversionFailed, "voice: no conversion service configured")
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.clock.Now()
	uri, err := p.conv.Convert(ctx, sourceURI, voiceID)
	elapsed := p.clock.Since(start)
	if err == nil && uri == "" {
		err = errors.New("empty result")
	}
	if err != nil {
		p.metrics.RecordConversion("failed", elapsed)
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.WrapKind(errors.KindConversionFailed, errors.WrapKind(errors.KindTimeout, err, "conversion timed out"), "voice: convert")
		}
		return "", errors.WrapKind(errors.KindConversionFailed, err, "voice: convert")
	}
	p.metrics.RecordConversion("ready", elapsed)
	return uri, nil
}

// SetSource replaces the recording being converted. A pending or finished
// job for the previous source is dropped and, if a foreign voice is
// selected, conversion restarts for the new source.
func (p *Pipeline) SetSource(ctx context.Context, asset audio.AudioAsset) {
	p.mu.Lock()
	if asset.IsZero() {
		p.source = nil
	} else {
		a := asset
		p.source = &a
	}
	sel := p.selection
	p.mu.Unlock()
	p.Select(ctx, sel)
}

// Select changes the selection. Own voice (or no selection) discards the
// current job immediately; anything else starts a conversion whose result
// is applied only if no newer selection was made in the meantime.
func (p *Pipeline) Select(ctx context.Context, sel Selection) Job {
	p.mu.Lock()
	p.selection = sel
	token := p.gen.Next()
	old := p.job
	p.job = nil

	if sel.IsOwn(p.authorID) || p.source == nil {
		p.mu.Unlock()
		if old != nil {
			p.drop(ctx, old)
			p.log.Debug("voice selection cleared", zap.String("job", old.ID))
		}
		return Job{}
	}
	// a memoised result for the same recording stays on disk for a later
	// switch back; anything else is dead once deselected
	if old != nil && (p.cache == nil || old.SourceURI != p.source.URI) {
		defer p.drop(ctx, old)
	}

	job := &Job{
		ID:         uuid.NewString(),
		Selection:  sel,
		SourceURI:  p.source.URI,
		Status:     JobPending,
		Generation: token,
		StartedAt:  p.clock.Now(),
	}
	if uri, ok := p.memo(ctx, job.SourceURI, sel.TargetVoiceID); ok {
		job.Status = JobReady
		job.ResultURI = uri
		job.Cached = true
	}
	p.job = job
	snap := *job
	p.mu.Unlock()

	p.notify(snap)
	if snap.Status == JobReady {
		p.previewJob(ctx, snap)
		return snap
	}

	p.wg.Add(1)
	go p.run(context.WithoutCancel(ctx), snap)
	return snap
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	defer p.wg.Done()

	uri, err := p.Generate(ctx, job.SourceURI, job.Selection.TargetVoiceID)

	p.mu.Lock()
	if !p.gen.Valid(job.Generation) || p.job == nil || p.job.ID != job.ID {
		p.mu.Unlock()
		p.log.Debug("dropping stale conversion result", zap.String("job", job.ID))
		if err == nil {
			p.release(ctx, uri)
		}
		return
	}
	if err != nil {
		p.job.Status = JobFailed
		p.job.Err = err
	} else {
		p.job.Status = JobReady
		p.job.ResultURI = uri
		p.derived[uri] = memoKey(job.SourceURI, job.Selection.TargetVoiceID)
	}
	snap := *p.job
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("voice conversion failed, keeping original audio",
			zap.String("voice", job.Selection.TargetVoiceID), zap.Error(err))
		p.notify(snap)
		return
	}
	if p.cache != nil {
		if cerr := p.cache.Set(ctx, memoKey(job.SourceURI, job.Selection.TargetVoiceID), uri, memoTTL); cerr != nil {
			p.log.Warn("cache conversion result", zap.Error(cerr))
		}
	}
	p.notify(snap)
	p.previewJob(ctx, snap)
}

func (p *Pipeline) memo(ctx context.Context, sourceURI, voiceID string) (string, bool) {
	if p.cache == nil {
		return "", false
	}
	v, ok := p.cache.Get(ctx, memoKey(sourceURI, voiceID))
	if !ok {
		return "", false
	}
	uri, err := cast.ToStringE(v)
	if err != nil || uri == "" {
		return "", false
	}
	return uri, true
}

// drop deletes a deselected job's result and its memo entry.
func (p *Pipeline) drop(ctx context.Context, job *Job) {
	if job.Status != JobReady || job.ResultURI == "" {
		return
	}
	p.mu.Lock()
	key, owned := p.derived[job.ResultURI]
	delete(p.derived, job.ResultURI)
	p.mu.Unlock()
	if !owned {
		return
	}
	p.forget(ctx, key)
	p.release(ctx, job.ResultURI)
}

func (p *Pipeline) forget(ctx context.Context, key string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Delete(ctx, key); err != nil {
		p.log.Warn("drop cached conversion", zap.Error(err))
	}
}

func (p *Pipeline) release(ctx context.Context, uri string) {
	if p.releaser == nil {
		return
	}
	if err := p.releaser.Release(ctx, uri); err != nil {
		p.log.Warn("release converted audio", zap.String("uri", uri), zap.Error(err))
	}
}

func (p *Pipeline) previewJob(ctx context.Context, job Job) {
	if p.preview == nil {
		return
	}
	if err := p.preview.Request(ctx, PreviewPrefix+job.ID, job.ResultURI); err != nil {
		p.log.Warn("voice preview failed", zap.String("job", job.ID), zap.Error(err))
	}
}

func (p *Pipeline) notify(job Job) {
	if p.onChange != nil {
		p.onChange(job)
	}
}

// Current returns the job for the current selection, if any.
func (p *Pipeline) Current() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil {
		return Job{}, false
	}
	return *p.job, true
}

func (p *Pipeline) Selection() Selection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selection
}

// PlayableAsset is what the review screen should play: the converted audio
// once it is ready, the raw recording otherwise.
func (p *Pipeline) PlayableAsset() audio.AudioAsset {
	asset, _ := p.PublishAsset()
	return asset
}

// PublishAsset returns the asset to upload and, when a foreign voice was
// applied, the user whose voice it is.
func (p *Pipeline) PublishAsset() (audio.AudioAsset, *uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil {
		return audio.AudioAsset{}, nil
	}
	if p.job == nil || p.job.Status != JobReady || p.job.SourceURI != p.source.URI {
		return *p.source, nil
	}
	uid := p.job.Selection.TargetUserID
	return audio.AudioAsset{
		URI:             p.job.ResultURI,
		DurationSeconds: p.source.DurationSeconds,
	}, &uid
}

// Reset forgets the source, the selection and any job, and deletes every
// result this pipeline produced. Conversions still in flight release their
// result when they return.
func (p *Pipeline) Reset(ctx context.Context) {
	p.mu.Lock()
	p.gen.Next()
	p.job = nil
	p.source = nil
	p.selection = Selection{}
	derived := p.derived
	p.derived = make(map[string]string)
	p.mu.Unlock()

	for uri, key := range derived {
		p.forget(ctx, key)
		p.release(ctx, uri)
	}
}

// Wait blocks until in-flight conversions have returned.
func (p *Pipeline) Wait() { p.wg.Wait() }
