package recording

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Murmur/internal/audio"
	"Murmur/pkg/errors"
	"Murmur/pkg/metrics"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// State is a RecordingSession lifecycle state.
type State int

const (
	Idle State = iota
	Recording
	Stopped
	Transcribing
	ReviewReady
	Submitting
	Published
	Failed
)

var stateNames = [...]string{"idle", "recording", "stopped", "transcribing", "review_ready", "submitting", "published", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultMaxDuration = 45 * time.Second
	// DefaultStopTimeout bounds how long a stop waits for the recorder to
	// hand back its file.
	DefaultStopTimeout = 5 * time.Second
)

var (
	ErrInvalidTransition  = errors.Sentinel(errors.KindInvalidTransition)
	ErrCaptureUnavailable = errors.Sentinel(errors.KindCaptureUnavailable)
)

// Transcript is the best-effort text of a recording.
type Transcript struct {
	Text           string `json:"text"`
	SourceAssetURI string `json:"sourceAssetUri"`
}

// Snapshot is an immutable view of a session.
type Snapshot struct {
	State          State
	StartedAt      time.Time
	ElapsedSeconds int
	MaxSeconds     int
	AutoStopped    bool
	Raw            *audio.AudioAsset
	Transcript     *Transcript
	Failure        error
}

// Session owns one capture attempt: permission check, record, enforce the
// max duration, stop, and hand off the raw asset.
type Session struct {
	mu sync.Mutex

	dev               audio.Recorder
	clock             clockwork.Clock
	max               time.Duration
	transcriber       audio.Transcriber
	transcribeTimeout time.Duration
	stopTimeout       time.Duration
	log               *zap.Logger
	metrics           *metrics.Metrics
	onStart           func(ctx context.Context)
	onChange          func(Snapshot)
	onClose           func()

	state       State
	startedAt   time.Time
	elapsed     int
	autoStopped bool
	raw         *audio.AudioAsset
	transcript  *Transcript
	failure     error
	finalizing  bool

	rec       *audio.Guard[audio.RecorderHandle]
	timerDone chan struct{}
	gen       audio.Generation
	wg        sync.WaitGroup
	closed    bool
}

type Option func(*Session)

func WithMaxDuration(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.max = d
		}
	}
}

func WithClock(c clockwork.Clock) Option { return func(s *Session) { s.clock = c } }

// WithTranscriber enables background transcription after stop.
func WithTranscriber(t audio.Transcriber, timeout time.Duration) Option {
	return func(s *Session) {
		s.transcriber = t
		if timeout > 0 {
			s.transcribeTimeout = timeout
		}
	}
}

// WithStopTimeout bounds the wait for the recorder to confirm a stop. The
// session leaves Recording before that wait starts.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(s *Session) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Session) { s.metrics = m } }

// WithOnStart registers a hook run right before the recorder is opened. It
// runs with the session locked and must not call back into the session.
func WithOnStart(fn func(ctx context.Context)) Option { return func(s *Session) { s.onStart = fn } }

// WithOnChange registers a callback receiving every state change.
func WithOnChange(fn func(Snapshot)) Option { return func(s *Session) { s.onChange = fn } }

func NewSession(dev audio.Recorder, opts ...Option) *Session {
	s := &Session{
		dev:               dev,
		clock:             clockwork.NewRealClock(),
		max:               DefaultMaxDuration,
		transcribeTimeout: 30 * time.Second,
		stopTimeout:       DefaultStopTimeout,
		log:               zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) maxSeconds() int { return int(s.max / time.Second) }

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:          s.state,
		StartedAt:      s.startedAt,
		ElapsedSeconds: s.elapsed,
		MaxSeconds:     s.maxSeconds(),
		AutoStopped:    s.autoStopped,
		Failure:        s.failure,
	}
	if s.raw != nil {
		raw := *s.raw
		snap.Raw = &raw
	}
	if s.transcript != nil {
		tr := *s.transcript
		snap.Transcript = &tr
	}
	return snap
}

// Snapshot returns the current view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// notify runs after the lock is released.
func (s *Session) notify(snap Snapshot) {
	if s.onChange != nil {
		s.onChange(snap)
	}
}

func (s *Session) setLocked(st State) Snapshot {
	s.state = st
	return s.snapshotLocked()
}

func invalid(op string, from State) error {
	return errors.NewKind(errors.KindInvalidTransition, fmt.Sprintf("recording: %s not allowed from %s", op, from))
}

// Start opens the recorder. Valid from Idle or Failed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.NewKind(errors.KindInvalidTransition, "recording: session closed")
	}
	if s.state != Idle && s.state != Failed {
		from := s.state
		s.mu.Unlock()
		return invalid("start", from)
	}

	if !s.dev.Supported() {
		err := errors.NewKind(errors.KindCaptureUnavailable, "recording: capture is not supported on this device")
		snap := s.failLocked(ctx, err)
		s.mu.Unlock()
		s.notify(snap)
		return err
	}
	granted, err := s.dev.RequestPermission(ctx)
	if err != nil || !granted {
		cause := errors.NewKind(errors.KindCaptureUnavailable, "recording: microphone permission denied")
		if err != nil {
			cause = errors.WrapKind(errors.KindCaptureUnavailable, err, "recording: request microphone permission")
		}
		snap := s.failLocked(ctx, cause)
		s.mu.Unlock()
		s.notify(snap)
		return cause
	}

	if s.onStart != nil {
		s.onStart(ctx)
	}

	guard, err := audio.Acquire(ctx, s.dev.StartRecording, s.dev.CancelRecording)
	if err != nil {
		cause := errors.WrapKind(errors.KindRecordingFailed, err, "recording: start recorder")
		snap := s.failLocked(ctx, cause)
		s.mu.Unlock()
		s.notify(snap)
		return cause
	}

	s.releaseRawLocked(ctx)
	s.rec = guard
	s.startedAt = s.clock.Now()
	s.elapsed = 0
	s.autoStopped = false
	s.transcript = nil
	s.failure = nil
	token := s.gen.Next()

	// timers are created here, not in the goroutine, so a fake clock sees
	// them as soon as Start returns
	ticker := s.clock.NewTicker(time.Second)
	cutoff := s.clock.NewTimer(s.max)
	done := make(chan struct{})
	s.timerDone = done
	s.wg.Add(1)
	go s.runTimer(token, ticker, cutoff, done)

	snap := s.setLocked(Recording)
	s.mu.Unlock()

	s.log.Debug("recording started", zap.Duration("max", s.max))
	s.notify(snap)
	return nil
}

func (s *Session) runTimer(token uint64, ticker clockwork.Ticker, cutoff clockwork.Timer, done chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()
	defer cutoff.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			if s.tick(token, false) {
				return
			}
		case <-cutoff.Chan():
			s.tick(token, true)
			return
		}
	}
}

// tick advances the elapsed counter; it returns true once the timer loop
// should exit.
func (s *Session) tick(token uint64, cutoff bool) bool {
	s.mu.Lock()
	if !s.gen.Valid(token) || s.state != Recording {
		s.mu.Unlock()
		return true
	}

	elapsed := int(s.clock.Since(s.startedAt) / time.Second)
	if elapsed > s.maxSeconds() || cutoff {
		elapsed = s.maxSeconds()
	}
	s.elapsed = elapsed

	if s.elapsed < s.maxSeconds() {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.notify(snap)
		return false
	}

	s.autoStopped = true
	token, guard, snap := s.beginStopLocked()
	s.mu.Unlock()

	s.log.Info("recording reached max duration", zap.Int("seconds", s.maxSeconds()))
	s.notify(snap)
	s.finishStop(context.Background(), token, guard)
	return true
}

// Stop finalizes the recorder and moves on to transcription. Valid only
// from Recording.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Recording {
		from := s.state
		s.mu.Unlock()
		return invalid("stop", from)
	}
	// freeze the elapsed counter at the moment of the stop
	if e := int(s.clock.Since(s.startedAt) / time.Second); e < s.maxSeconds() {
		s.elapsed = e
	} else {
		s.elapsed = s.maxSeconds()
	}
	token, guard, snap := s.beginStopLocked()
	s.mu.Unlock()

	s.notify(snap)
	return s.finishStop(ctx, token, guard)
}

func (s *Session) stopTimerLocked() {
	if s.timerDone != nil {
		close(s.timerDone)
		s.timerDone = nil
	}
}

// beginStopLocked leaves Recording without waiting on the device: the timer
// is stopped, the generation moves on and the recorder handle is taken out
// of the session.
func (s *Session) beginStopLocked() (uint64, *audio.Guard[audio.RecorderHandle], Snapshot) {
	s.stopTimerLocked()
	token := s.gen.Next()
	guard := s.rec
	s.rec = nil
	s.finalizing = true
	return token, guard, s.setLocked(Stopped)
}

type stopResult struct {
	asset audio.AudioAsset
	err   error
}

// finishStop waits, at most stopTimeout, for the recorder to hand back the
// file, then either attaches it or fails the session. It runs without the
// session lock.
func (s *Session) finishStop(ctx context.Context, token uint64, guard *audio.Guard[audio.RecorderHandle]) error {
	ctx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	defer cancel()

	done := make(chan stopResult, 1)
	go func() {
		var r stopResult
		r.err = guard.Finalize(ctx, func(ctx context.Context, h audio.RecorderHandle) error {
			var err error
			r.asset, err = s.dev.StopRecording(ctx, h)
			return err
		})
		done <- r
	}()

	var r stopResult
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
		// a recorder that answers late still owns a file nobody will use
		go s.reclaimLate(done)
	}

	s.mu.Lock()
	if !s.gen.Valid(token) || s.state != Stopped {
		// discarded or failed while the device was busy
		s.mu.Unlock()
		if r.err == nil && r.asset.URI != "" {
			s.releaseAsset(r.asset.URI)
		}
		return r.err
	}
	s.finalizing = false
	if r.err != nil {
		cause := errors.WrapKind(errors.KindRecordingFailed, r.err, "recording: stop recorder")
		snap := s.failLocked(context.WithoutCancel(ctx), cause)
		s.mu.Unlock()
		s.notify(snap)
		return cause
	}

	s.raw = &r.asset
	s.metrics.RecordRecording("stopped", float64(s.elapsed))
	snaps := []Snapshot{s.snapshotLocked()}
	if s.transcriber != nil {
		snaps = append(snaps, s.setLocked(Transcribing))
		s.wg.Add(1)
		go s.transcribe(token, r.asset.URI)
	}
	s.mu.Unlock()

	for _, snap := range snaps {
		s.notify(snap)
	}
	return nil
}

func (s *Session) reclaimLate(done <-chan stopResult) {
	r := <-done
	if r.err == nil && r.asset.URI != "" {
		s.releaseAsset(r.asset.URI)
	}
}

func (s *Session) releaseAsset(uri string) {
	if err := s.dev.ReleaseAsset(context.Background(), uri); err != nil {
		s.log.Warn("release late recording", zap.String("uri", uri), zap.Error(err))
	}
}

// transcribe is fire-and-forget relative to the caller: success or failure
// both end in ReviewReady.
func (s *Session) transcribe(token uint64, uri string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.transcribeTimeout)
	defer cancel()
	text, err := s.transcriber.Transcribe(ctx, uri)

	s.mu.Lock()
	if !s.gen.Valid(token) {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.log.Warn("transcription failed", zap.Error(errors.WrapKind(errors.KindTranscriptionFailed, err, "transcribe recording")))
	} else {
		s.transcript = &Transcript{Text: text, SourceAssetURI: uri}
	}
	if s.state != Transcribing {
		// already submitting; keep the transcript but leave the state alone
		s.mu.Unlock()
		return
	}
	snap := s.setLocked(ReviewReady)
	s.mu.Unlock()
	s.notify(snap)
}

// Fail moves the session to Failed, releasing whatever it holds. Not
// allowed once Published.
func (s *Session) Fail(ctx context.Context, reason error) error {
	s.mu.Lock()
	if s.state == Published {
		s.mu.Unlock()
		return invalid("fail", Published)
	}
	snap := s.failLocked(ctx, reason)
	s.mu.Unlock()
	s.notify(snap)
	return nil
}

func (s *Session) failLocked(ctx context.Context, reason error) Snapshot {
	s.stopTimerLocked()
	s.gen.Next()
	if err := s.rec.Release(ctx); err != nil {
		s.log.Warn("release recorder after failure", zap.Error(err))
	}
	s.rec = nil
	s.finalizing = false
	s.failure = reason
	s.metrics.RecordRecording(string(errors.KindOf(reason)), 0)
	s.log.Warn("recording session failed", zap.Error(reason))
	return s.setLocked(Failed)
}

func (s *Session) releaseRawLocked(ctx context.Context) {
	if s.raw == nil {
		return
	}
	if err := s.dev.ReleaseAsset(ctx, s.raw.URI); err != nil {
		s.log.Warn("release raw asset", zap.String("uri", s.raw.URI), zap.Error(err))
	}
	s.raw = nil
}

// Discard releases the recorder and raw asset and returns to Idle. Valid
// from every state but Submitting; repeated calls are no-ops.
func (s *Session) Discard(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Submitting {
		s.mu.Unlock()
		return invalid("discard", Submitting)
	}
	if s.state == Idle && s.raw == nil && s.rec == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	s.gen.Next()
	if err := s.rec.Release(ctx); err != nil {
		s.log.Warn("release recorder on discard", zap.Error(err))
	}
	s.rec = nil
	if s.state != Published {
		s.releaseRawLocked(ctx)
	}
	s.raw = nil
	s.transcript = nil
	s.failure = nil
	s.finalizing = false
	s.elapsed = 0
	s.autoStopped = false
	s.startedAt = time.Time{}
	snap := s.setLocked(Idle)
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Restart throws the current attempt away so a new one can begin.
func (s *Session) Restart(ctx context.Context) error {
	return s.Discard(ctx)
}

// BeginSubmit enters Submitting and returns the asset to publish. A second
// call while the first run is in flight is rejected, which is what keeps a
// double tap from publishing twice.
func (s *Session) BeginSubmit() (Snapshot, error) {
	s.mu.Lock()
	switch s.state {
	case Stopped, Transcribing, ReviewReady:
		if s.finalizing {
			s.mu.Unlock()
			return Snapshot{}, errors.NewKind(errors.KindInvalidTransition, "recording: submit while the recorder is still stopping")
		}
	default:
		from := s.state
		s.mu.Unlock()
		return Snapshot{}, invalid("submit", from)
	}
	snap := s.setLocked(Submitting)
	s.mu.Unlock()
	s.notify(snap)
	return snap, nil
}

// CompleteSubmit ends a submit run. On success the session is Published and
// detached from its surface; on failure it goes back to ReviewReady with the
// recording intact so the user can retry.
func (s *Session) CompleteSubmit(err error) error {
	s.mu.Lock()
	if s.state != Submitting {
		from := s.state
		s.mu.Unlock()
		return invalid("complete submit", from)
	}
	if err != nil {
		snap := s.setLocked(ReviewReady)
		s.mu.Unlock()
		s.notify(snap)
		return nil
	}

	s.gen.Next()
	// the uploaded copy is authoritative now; the local file is no longer ours
	s.raw = nil
	s.transcript = nil
	snap := s.setLocked(Published)
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	s.notify(snap)
	if onClose != nil {
		onClose()
	}
	return nil
}

// Close discards the session and detaches it from its surface.
func (s *Session) Close(ctx context.Context) error {
	if err := s.Discard(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

// Wait blocks until background timers and transcription have exited.
func (s *Session) Wait() { s.wg.Wait() }
