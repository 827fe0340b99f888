// Package publish uploads a finished draft and records it as a story or
// reaction.
package publish

import (
	"context"
	"fmt"
	"time"

	"Murmur/internal/audio"
	"Murmur/internal/models"
	"Murmur/pkg/cache"
	"Murmur/pkg/errors"
	"Murmur/pkg/metrics"
	stores "Murmur/pkg/storage"
	"Murmur/pkg/util"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// SigPostPublished is emitted on the signal bus with the *Result as param.
const SigPostPublished = "post.published"

const (
	DefaultPointsPerPost     = 10
	DefaultUploadTimeout     = 60 * time.Second
	DefaultTranscribeTimeout = 30 * time.Second
)

// Result describes a published post.
type Result struct {
	Kind        PostKind
	DraftID     string
	ID          uint
	AuthorID    uint
	StoragePath string
	AudioURL    string
	Transcript  *string
	PointsAdded int64
}

type Pipeline struct {
	store       stores.Store
	db          *gorm.DB
	transcriber audio.Transcriber
	opener      audio.AssetOpener
	guard       *SubmitGuard

	clock             clockwork.Clock
	log               *zap.Logger
	metrics           *metrics.Metrics
	signals           *util.Signals
	points            int64
	uploadTimeout     time.Duration
	transcribeTimeout time.Duration
}

type Option func(*Pipeline)

func WithOpener(o audio.AssetOpener) Option { return func(p *Pipeline) { p.opener = o } }

// WithGuardCache backs the double-submit guard with c.
func WithGuardCache(c cache.Cache, ttl time.Duration) Option {
	return func(p *Pipeline) { p.guard = NewSubmitGuard(c, ttl) }
}

func WithClock(c clockwork.Clock) Option { return func(p *Pipeline) { p.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

func WithSignals(s *util.Signals) Option { return func(p *Pipeline) { p.signals = s } }

func WithPointsPerPost(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.points = int64(n)
		}
	}
}

func WithUploadTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.uploadTimeout = d
		}
	}
}

func WithTranscribeTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.transcribeTimeout = d
		}
	}
}

func NewPipeline(store stores.Store, db *gorm.DB, transcriber audio.Transcriber, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:             store,
		db:                db,
		transcriber:       transcriber,
		opener:            audio.Assets{},
		clock:             clockwork.NewRealClock(),
		log:               zap.NewNop(),
		signals:           util.Sig(),
		points:            DefaultPointsPerPost,
		uploadTimeout:     DefaultUploadTimeout,
		transcribeTimeout: DefaultTranscribeTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.guard == nil {
		p.guard = NewSubmitGuard(cache.NewGoCache(cache.LocalConfig{}), 0)
	}
	p.guard.log = p.log
	return p
}

// Guard exposes the submit guard so callers can disable their send button
// while a draft is in flight.
func (p *Pipeline) Guard() *SubmitGuard { return p.guard }

// UploadPath builds the object key: stories/{userId}/{ms}.{ext} or
// reactions/{storyId}/{ms}.{ext}.
func UploadPath(d *PostDraft, at time.Time) string {
	ms := at.UnixMilli()
	if d.Kind == KindReaction {
		return fmt.Sprintf("reactions/%d/%d.%s", d.StoryID, ms, d.Asset.Ext())
	}
	return fmt.Sprintf("stories/%d/%d.%s", d.AuthorID, ms, d.Asset.Ext())
}

// Publish runs the whole pipeline for one draft. Upload and record failures
// are returned; transcription and point failures are logged and absorbed.
// The draft is not modified, so a failed run can be retried as is.
func (p *Pipeline) Publish(ctx context.Context, d *PostDraft) (*Result, error) {
	if err := d.Validate(); err != nil {
		p.metrics.RecordPublish(string(kindOf(d)), "invalid")
		return nil, err
	}
	release, err := p.guard.Acquire(ctx, d.ID)
	if err != nil {
		p.metrics.RecordPublish(string(d.Kind), "duplicate")
		return nil, err
	}
	defer release()

	log := p.log.With(zap.String("draft", d.ID), zap.String("kind", string(d.Kind)))
	start := p.clock.Now()
	path := UploadPath(d, start)

	var transcript *string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		transcript = p.transcribe(gctx, d, log)
		return nil
	})
	g.Go(func() error {
		return p.upload(gctx, d, path)
	})
	if err := g.Wait(); err != nil {
		p.metrics.RecordPublish(string(d.Kind), "upload_failed")
		log.Warn("publish upload failed", zap.Error(err))
		return nil, err
	}
	p.metrics.RecordPublishStage("upload", p.clock.Since(start))

	res := &Result{
		Kind:        d.Kind,
		DraftID:     d.ID,
		AuthorID:    d.AuthorID,
		StoragePath: path,
		AudioURL:    p.store.PublicURL(path),
		Transcript:  transcript,
	}
	insertStart := p.clock.Now()
	if err := p.insert(ctx, d, res); err != nil {
		cause := errors.WrapKind(errors.KindPublishRecordFailed, err, "publish: save "+string(d.Kind))
		// 上传的对象已无记录引用，交给定时清理
		if oerr := models.RecordOrphan(p.db.WithContext(context.WithoutCancel(ctx)), path, cause.Error()); oerr != nil {
			log.Error("record orphaned upload", zap.String("path", path), zap.Error(oerr))
		}
		p.metrics.RecordPublish(string(d.Kind), "record_failed")
		log.Warn("publish insert failed", zap.Error(cause))
		return nil, cause
	}
	p.metrics.RecordPublishStage("insert", p.clock.Since(insertStart))

	if err := models.AddPoints(p.db.WithContext(ctx), d.AuthorID, p.points); err != nil {
		log.Warn("add points failed", zap.Uint("user", d.AuthorID), zap.Error(err))
	} else {
		res.PointsAdded = p.points
	}

	p.metrics.RecordPublish(string(d.Kind), "published")
	p.metrics.RecordPublishStage("total", p.clock.Since(start))
	log.Info("post published", zap.Uint("id", res.ID), zap.String("path", path))
	if p.signals != nil {
		p.signals.Emit(SigPostPublished, p, res)
	}
	return res, nil
}

func kindOf(d *PostDraft) PostKind {
	if d == nil || d.Kind == "" {
		return "unknown"
	}
	return d.Kind
}

// transcribe never fails the run: a missing transcript is acceptable.
func (p *Pipeline) transcribe(ctx context.Context, d *PostDraft, log *zap.Logger) *string {
	if d.Transcript != nil && d.Transcript.SourceURI == d.Asset.URI && d.Transcript.Text != "" {
		text := d.Transcript.Text
		return &text
	}
	if p.transcriber == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.transcribeTimeout)
	defer cancel()

	start := p.clock.Now()
	text, err := p.transcriber.Transcribe(ctx, d.Asset.URI)
	p.metrics.RecordPublishStage("transcribe", p.clock.Since(start))
	if err != nil {
		log.Warn("transcription failed, publishing without text",
			zap.Error(errors.WrapKind(errors.KindTranscriptionFailed, err, "publish: transcribe")))
		return nil
	}
	if text == "" {
		return nil
	}
	return &text
}

func (p *Pipeline) upload(ctx context.Context, d *PostDraft, path string) error {
	ctx, cancel := context.WithTimeout(ctx, p.uploadTimeout)
	defer cancel()

	rc, size, err := p.opener.Open(ctx, d.Asset.URI)
	if err != nil {
		return errors.WrapKind(errors.KindUploadFailed, err, "publish: read recording")
	}
	defer rc.Close()

	contentType := d.Asset.ContentType
	if contentType == "" {
		contentType = stores.ContentTypeFor(path)
	}
	if _, err := p.store.Put(ctx, path, rc, size, contentType); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = errors.WrapKind(errors.KindTimeout, err, "upload timed out")
		}
		return errors.WrapKind(errors.KindUploadFailed, err, "publish: upload "+path)
	}
	return nil
}

func (p *Pipeline) insert(ctx context.Context, d *PostDraft, res *Result) error {
	db := p.db.WithContext(ctx)
	cloned := d.ClonedVoiceUserID != nil && *d.ClonedVoiceUserID != d.AuthorID
	var clonedUser *uint
	if cloned {
		uid := *d.ClonedVoiceUserID
		clonedUser = &uid
	}

	switch d.Kind {
	case KindReaction:
		row := &models.Reaction{
			StoryID:           d.StoryID,
			ParentReactionID:  d.ParentReactionID,
			UserID:            d.AuthorID,
			AudioURL:          res.AudioURL,
			StoragePath:       res.StoragePath,
			Duration:          d.Asset.DurationSeconds,
			Transcription:     res.Transcript,
			IsVoiceCloned:     cloned,
			ClonedVoiceUserID: clonedUser,
		}
		if err := models.CreateReaction(db, row); err != nil {
			return err
		}
		res.ID = row.ID
	default:
		row := &models.Story{
			UserID:            d.AuthorID,
			Title:             d.Title,
			AudioURL:          res.AudioURL,
			StoragePath:       res.StoragePath,
			Duration:          d.Asset.DurationSeconds,
			Transcription:     res.Transcript,
			GroupID:           d.GroupID,
			IsFriendsOnly:     d.IsFriendsOnly,
			IsVoiceCloned:     cloned,
			ClonedVoiceUserID: clonedUser,
		}
		if err := models.CreateStory(db, row); err != nil {
			return err
		}
		res.ID = row.ID
	}
	return nil
}
