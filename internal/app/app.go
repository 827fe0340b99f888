// Package app assembles the audio subsystem from configuration.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"Murmur/internal/audio"
	"Murmur/internal/audio/otoplayer"
	"Murmur/internal/composer"
	"Murmur/internal/listeners"
	"Murmur/internal/models"
	"Murmur/internal/playback"
	"Murmur/internal/publish"
	"Murmur/internal/recording"
	"Murmur/internal/voice"
	"Murmur/pkg/cache"
	"Murmur/pkg/config"
	"Murmur/pkg/errors"
	"Murmur/pkg/i18n"
	"Murmur/pkg/logger"
	"Murmur/pkg/metrics"
	"Murmur/pkg/registry"
	"Murmur/pkg/scheduler"
	stores "Murmur/pkg/storage"
	"Murmur/pkg/transcribe"
	"Murmur/pkg/util"
	"Murmur/pkg/voiceclone"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ArbiterKey is the registry name of the process-wide playback arbiter.
const ArbiterKey = "playback.arbiter"

type App struct {
	Config      *config.Config
	Log         *zap.Logger
	DB          *gorm.DB
	Store       stores.Store
	Cache       cache.Cache
	Metrics     *metrics.Metrics
	I18n        *i18n.I18nSupport
	Signals     *util.Signals
	Arbiter     *playback.Arbiter
	Publisher   *publish.Pipeline
	Cron        *scheduler.Cron
	Transcriber audio.Transcriber
	Converter   voice.Converter

	recorder audio.Recorder
	player   audio.Player
	opener   audio.AssetOpener
	reg      prometheus.Registerer

	mu       sync.Mutex
	surfaces map[string]*recording.Surface
	closers  []func() error
}

type Option func(*App)

// WithRecorder sets the platform microphone. Without one, recording
// reports CaptureUnavailable.
func WithRecorder(r audio.Recorder) Option { return func(a *App) { a.recorder = r } }

// WithPlayer replaces the default oto sound output.
func WithPlayer(p audio.Player) Option { return func(a *App) { a.player = p } }

func WithStore(s stores.Store) Option { return func(a *App) { a.Store = s } }

func WithDB(db *gorm.DB) Option { return func(a *App) { a.DB = db } }

func WithOpener(o audio.AssetOpener) Option { return func(a *App) { a.opener = o } }

func WithSignals(s *util.Signals) Option { return func(a *App) { a.Signals = s } }

// WithRegisterer registers metrics somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) Option { return func(a *App) { a.reg = reg } }

func WithLogger(l *zap.Logger) Option { return func(a *App) { a.Log = l } }

// New wires every component. Call Start to run scheduled jobs and Shutdown
// to release everything.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		Config:   cfg,
		recorder: audio.NoCapture{},
		opener:   audio.Assets{},
		Signals:  util.Sig(),
		surfaces: make(map[string]*recording.Surface),
	}
	for _, opt := range opts {
		opt(a)
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"logger", a.initLogger},
		{"database", a.initDB},
		{"storage", a.initStore},
		{"cache", a.initCache},
		{"metrics", a.initMetrics},
		{"i18n", a.initI18n},
		{"transcriber", a.initTranscriber},
		{"voice", a.initConverter},
		{"playback", a.initArbiter},
		{"publish", a.initPublisher},
		{"scheduler", a.initCron},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			_ = a.Shutdown(context.Background())
			return nil, fmt.Errorf("init %s: %w", s.name, err)
		}
	}

	stop := listeners.InitAudioListeners(a.Signals, a.Arbiter)
	a.onClose(func() error { stop(); return nil })

	a.Log.Info("audio subsystem ready",
		zap.String("env", cfg.Env),
		zap.String("db", cfg.DBDriver),
		zap.Bool("transcription", a.Transcriber != nil),
		zap.Bool("voice_clone", cfg.VoiceAPIURL != ""))
	return a, nil
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

func (a *App) initLogger() error {
	if a.Log != nil {
		return nil
	}
	l, err := logger.Init(a.Config.Log)
	if err != nil {
		return err
	}
	a.Log = l
	return nil
}

func (a *App) initDB() error {
	if a.DB == nil {
		db, err := util.InitDatabase(a.Config.DBDriver, a.Config.DSN, 0)
		if err != nil {
			return err
		}
		a.DB = db
	}
	return models.AutoMigrate(a.DB)
}

func (a *App) initStore() error {
	if a.Store != nil {
		return nil
	}
	sc := a.Config.Storage
	s, err := stores.New(stores.Config{
		Driver:       sc.Driver,
		Endpoint:     sc.MinioEndpoint,
		AccessKey:    sc.MinioAccessKey,
		SecretKey:    sc.MinioSecretKey,
		Bucket:       sc.MinioBucket,
		UseSSL:       sc.MinioUseSSL,
		BaseURL:      sc.PublicBaseURL,
		COSBucketURL: sc.COSBucketURL,
		COSSecretID:  sc.COSSecretID,
		COSSecretKey: sc.COSSecretKey,
	})
	if err != nil {
		return err
	}
	a.Store = s
	return nil
}

func (a *App) initCache() error {
	c, err := cache.NewCache(a.Config.Cache)
	if err != nil {
		return err
	}
	a.Cache = c
	a.onClose(c.Close)
	return nil
}

func (a *App) initMetrics() error {
	if a.reg == nil {
		a.Metrics = metrics.Default()
		return nil
	}
	a.Metrics = metrics.NewMetrics(a.reg)
	return nil
}

func (a *App) initI18n() error {
	lang := a.Config.Language
	if lang == "" {
		lang = "en"
	}
	s, err := i18n.NewI18nSupport(lang, util.GetEnv("LOCALES_DIR"))
	if err != nil {
		return err
	}
	a.I18n = s
	return nil
}

// 外部 HTTP 客户端沿用 logrus
func (a *App) clientLogger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(strings.ToLower(a.Config.Log.Level)); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

func (a *App) initTranscriber() error {
	if a.Config.OpenAIAPIKey == "" {
		a.Log.Warn("OPENAI_API_KEY not set, posts are published without transcripts")
		return nil
	}
	t, err := transcribe.New(transcribe.Config{
		APIKey:   a.Config.OpenAIAPIKey,
		BaseURL:  a.Config.OpenAIBaseURL,
		Model:    a.Config.TranscribeModel,
		Language: a.Config.Language,
		Timeout:  a.Config.TranscribeTimeout,
	}, a.opener, a.clientLogger())
	if err != nil {
		return err
	}
	a.Transcriber = t
	return nil
}

type noConverter struct{}

func (noConverter) Convert(ctx context.Context, sourceURI, voiceID string) (string, error) {
	return "", errors.NewKind(errors.KindConversionFailed, "voice conversion is not configured")
}

func (a *App) initConverter() error {
	if a.Config.VoiceAPIURL == "" {
		a.Converter = noConverter{}
		return nil
	}
	c, err := voiceclone.NewClient(voiceclone.Config{
		Endpoint:   a.Config.VoiceAPIURL,
		APIKey:     a.Config.VoiceAPIKey,
		Timeout:    a.Config.VoiceTimeout,
		MaxRetries: 2,
	}, a.opener, a.clientLogger())
	if err != nil {
		return err
	}
	a.Converter = c
	return nil
}

func (a *App) initArbiter() error {
	if a.player == nil {
		p := otoplayer.New(a.opener, otoplayer.WithLogger(a.Log.Named("oto")))
		a.player = p
		a.onClose(p.Close)
	}
	a.Arbiter = registry.Provide(ArbiterKey, func() *playback.Arbiter {
		return playback.NewArbiter(a.player,
			playback.WithBackgroundGrace(a.Config.BackgroundGrace),
			playback.WithLogger(a.Log.Named("playback")),
			playback.WithMetrics(a.Metrics))
	})
	a.onClose(func() error {
		registry.Delete(ArbiterKey)
		return a.Arbiter.Close(context.Background())
	})
	return nil
}

func (a *App) initPublisher() error {
	a.Publisher = publish.NewPipeline(a.Store, a.DB, a.Transcriber,
		publish.WithOpener(a.opener),
		publish.WithGuardCache(a.Cache, 0),
		publish.WithLogger(a.Log.Named("publish")),
		publish.WithMetrics(a.Metrics),
		publish.WithSignals(a.Signals),
		publish.WithPointsPerPost(a.Config.PointsPerPost),
		publish.WithUploadTimeout(a.Config.UploadTimeout),
		publish.WithTranscribeTimeout(a.Config.TranscribeTimeout),
	)
	return nil
}

func (a *App) initCron() error {
	a.Cron = scheduler.NewCron(time.UTC, a.Log.Named("cron"))
	sweeper := publish.NewOrphanSweeper(a.DB, a.Store, a.Log.Named("orphans"))
	if _, err := a.Cron.Add("orphan-sweep", a.Config.OrphanSweepSchedule, sweeper); err != nil {
		return err
	}
	a.onClose(func() error { a.Cron.Stop(); return nil })
	return nil
}

// Start runs scheduled jobs.
func (a *App) Start() {
	a.Cron.Start()
}

// Surface returns the named recording surface, creating it on first use.
func (a *App) Surface(name string) *recording.Surface {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.surfaces[name]; ok {
		return s
	}
	var opts []recording.Option
	opts = append(opts,
		recording.WithMaxDuration(a.Config.MaxRecording()),
		recording.WithLogger(a.Log.Named("recording").With(zap.String("surface", name))),
		recording.WithMetrics(a.Metrics))
	if a.Transcriber != nil {
		opts = append(opts, recording.WithTranscriber(a.Transcriber, a.Config.TranscribeTimeout))
	}
	s := recording.NewSurface(name, a.recorder, opts...)
	a.surfaces[name] = s
	return s
}

// NewComposer opens a recording session on surface for draft. Voice
// previews go through the shared arbiter.
func (a *App) NewComposer(surface string, draft *publish.PostDraft) (*composer.Composer, error) {
	vp := voice.NewPipeline(a.Converter,
		voice.WithAuthor(draft.AuthorID),
		voice.WithPreviewer(a.Arbiter),
		voice.WithCache(a.Cache),
		voice.WithTimeout(a.Config.VoiceTimeout),
		voice.WithLogger(a.Log.Named("voice")),
		voice.WithMetrics(a.Metrics))
	c := composer.New(a.Surface(surface), vp, a.Publisher, draft,
		composer.WithSignals(a.Signals),
		composer.WithLogger(a.Log.Named("composer")))
	if _, err := c.Open(); err != nil {
		return nil, err
	}
	return c, nil
}

// VoiceCandidates lists the group members whose voice the author can use.
func (a *App) VoiceCandidates(ctx context.Context, groupID, authorID uint) ([]voice.Candidate, error) {
	return voice.Candidates(a.DB.WithContext(ctx), groupID, authorID)
}

// Shutdown releases components in reverse init order.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	surfaces := make([]*recording.Surface, 0, len(a.surfaces))
	for _, s := range a.surfaces {
		surfaces = append(surfaces, s)
	}
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var err error
	for _, s := range surfaces {
		err = multierr.Append(err, s.CloseActive(ctx))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i]())
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	return err
}
