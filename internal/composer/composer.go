// Package composer drives one recording surface end to end: record, pick a
// voice, review and send.
package composer

import (
	"context"
	"sync"

	"Murmur/internal/audio"
	"Murmur/internal/publish"
	"Murmur/internal/recording"
	"Murmur/internal/voice"
	"Murmur/pkg/errors"
	"Murmur/pkg/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Signals emitted on the bus.
const (
	SigRecordingStarted   = "recording.started"
	SigRecordingDiscarded = "recording.discarded"
)

// Publisher is the part of publish.Pipeline the composer needs.
type Publisher interface {
	Publish(ctx context.Context, d *publish.PostDraft) (*publish.Result, error)
}

type Composer struct {
	mu      sync.Mutex
	surface *recording.Surface
	voice   *voice.Pipeline
	pub     Publisher
	signals *util.Signals
	log     *zap.Logger

	draft   publish.PostDraft
	sess    *recording.Session
	source  string
	onState func(recording.Snapshot)
}

type Option func(*Composer)

func WithSignals(s *util.Signals) Option { return func(c *Composer) { c.signals = s } }

func WithLogger(l *zap.Logger) Option { return func(c *Composer) { c.log = l } }

// WithOnState forwards every recording state change, e.g. to the UI.
func WithOnState(fn func(recording.Snapshot)) Option { return func(c *Composer) { c.onState = fn } }

// New builds a composer for draft. The draft carries the kind, author and
// target; the asset, transcript and applied voice are filled in at send.
func New(surface *recording.Surface, vp *voice.Pipeline, pub Publisher, draft *publish.PostDraft, opts ...Option) *Composer {
	c := &Composer{
		surface: surface,
		voice:   vp,
		pub:     pub,
		signals: util.Sig(),
		log:     zap.NewNop(),
		draft:   *draft,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("surface", surface.Name()), zap.String("draft", c.draft.ID))
	return c
}

// Open creates the surface's recording session.
func (c *Composer) Open() (*recording.Session, error) {
	sess, err := c.surface.Open(
		recording.WithOnStart(func(ctx context.Context) {
			c.signals.Emit(SigRecordingStarted, c, ctx)
		}),
		recording.WithOnChange(c.onChange),
	)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	return sess, nil
}

func (c *Composer) session() (*recording.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, errors.NewKind(errors.KindInvalidTransition, "composer: no open session")
	}
	return c.sess, nil
}

func (c *Composer) onChange(snap recording.Snapshot) {
	ctx := context.Background()
	c.mu.Lock()
	var (
		newSource *audio.AudioAsset
		reset     bool
	)
	switch {
	case snap.Raw != nil && snap.Raw.URI != c.source:
		c.source = snap.Raw.URI
		a := *snap.Raw
		newSource = &a
	case snap.State == recording.Idle && c.source != "":
		c.source = ""
		reset = true
	}
	onState := c.onState
	c.mu.Unlock()

	if newSource != nil {
		c.voice.SetSource(ctx, *newSource)
	}
	if reset {
		c.voice.Reset(ctx)
		c.signals.Emit(SigRecordingDiscarded, c)
	}
	if onState != nil {
		onState(snap)
	}
}

func (c *Composer) Start(ctx context.Context) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	return sess.Start(ctx)
}

func (c *Composer) Stop(ctx context.Context) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	return sess.Stop(ctx)
}

// Discard throws the recording away. The voice selection goes with it.
func (c *Composer) Discard(ctx context.Context) error {
	sess, err := c.session()
	if err != nil {
		return err
	}
	return sess.Discard(ctx)
}

// SelectVoice applies another group member's voice, or the author's own.
func (c *Composer) SelectVoice(ctx context.Context, sel voice.Selection) voice.Job {
	return c.voice.Select(ctx, sel)
}

// Edit changes draft fields such as the title or the target group.
func (c *Composer) Edit(fn func(d *publish.PostDraft)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.draft)
}

func (c *Composer) Draft() publish.PostDraft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Send publishes the current recording. On failure the recording and the
// draft are kept and Send may be called again.
func (c *Composer) Send(ctx context.Context) (*publish.Result, error) {
	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	snap, err := sess.BeginSubmit()
	if err != nil {
		return nil, err
	}

	d := c.Draft()
	asset, cloned := c.voice.PublishAsset()
	if asset.IsZero() && snap.Raw != nil {
		asset = *snap.Raw
	}
	d.Asset = asset
	d.ClonedVoiceUserID = cloned
	if snap.Transcript != nil {
		d.Transcript = &publish.Transcript{
			Text:      snap.Transcript.Text,
			SourceURI: snap.Transcript.SourceAssetURI,
		}
	}

	res, perr := c.pub.Publish(ctx, &d)
	if err := sess.CompleteSubmit(perr); err != nil {
		c.log.Warn("complete submit", zap.Error(err))
	}
	if perr != nil {
		c.log.Warn("send failed", zap.Error(perr), zap.Bool("retryable", errors.IsRetryable(perr)))
		return nil, perr
	}

	c.mu.Lock()
	c.sess = nil
	c.source = ""
	// 下一条内容使用新的草稿 id
	c.draft.ID = uuid.NewString()
	c.draft.Title = ""
	c.mu.Unlock()
	c.voice.Reset(ctx)
	c.log.Info("sent", zap.Uint("id", res.ID), zap.String("kind", string(res.Kind)))
	return res, nil
}

// Close leaves the surface. Whatever was not sent is discarded.
func (c *Composer) Close(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	var err error
	if sess != nil {
		err = sess.Close(ctx)
		sess.Wait()
	}
	c.voice.Reset(ctx)
	c.voice.Wait()
	return err
}
