// Package otoplayer plays mp3 assets on the local sound card through oto.
package otoplayer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"Murmur/internal/audio"

	"github.com/hajimehoshi/go-mp3"
	"github.com/hajimehoshi/oto/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultSampleRate = 44100
	// go-mp3 always decodes to 16-bit stereo
	bytesPerFrame = 4
)

var ErrUnknownHandle = errors.New("otoplayer: unknown handle")

type decoder interface {
	io.ReadSeeker
	Length() int64
	SampleRate() int
}

// sink is the part of oto.Player we drive.
type sink interface {
	Play()
	Pause()
	IsPlaying() bool
	Reset()
	UnplayedBufferSize() int
	Close() error
}

type output interface {
	NewPlayer(r io.Reader) sink
}

type otoOutput struct{ ctx *oto.Context }

func (o otoOutput) NewPlayer(r io.Reader) sink { return o.ctx.NewPlayer(r) }

// oto 只允许一个进程内存在一个 Context，采样率在首次创建时固定
func openOto(rate int) (output, error) {
	ctx, ready, err := oto.NewContext(rate, 2, 2)
	if err != nil {
		return nil, fmt.Errorf("oto context: %w", err)
	}
	<-ready
	return otoOutput{ctx: ctx}, nil
}

func decodeMP3(r io.ReadSeeker) (decoder, error) {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("mp3 decoder: %w", err)
	}
	return d, nil
}

type handle string

func (h handle) ID() string { return string(h) }

// countingReader is read by oto's own goroutine.
type countingReader struct {
	mu  sync.Mutex
	r   io.ReadSeeker
	n   int64
	eof bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err == io.EOF {
		c.eof = true
	}
	return n, err
}

func (c *countingReader) state() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n, c.eof
}

func (c *countingReader) seek(off int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.r.Seek(off, io.SeekStart); err != nil {
		return err
	}
	c.n = off
	c.eof = false
	return nil
}

type track struct {
	uri      string
	dec      decoder
	src      *countingReader
	out      sink
	onStatus audio.StatusFunc
	playing  bool
	stop     chan struct{}
}

// Player implements audio.Player on top of oto and go-mp3.
type Player struct {
	mu         sync.Mutex
	opener     audio.AssetOpener
	clock      clockwork.Clock
	interval   time.Duration
	rate       int
	log        *zap.Logger
	openOutput func(rate int) (output, error)
	decode     func(io.ReadSeeker) (decoder, error)

	out    output
	seq    int
	tracks map[string]*track
	wg     sync.WaitGroup
}

type Option func(*Player)

func WithClock(c clockwork.Clock) Option { return func(p *Player) { p.clock = c } }

// WithInterval sets how often progress is reported while playing.
func WithInterval(d time.Duration) Option { return func(p *Player) { p.interval = d } }

func WithSampleRate(rate int) Option { return func(p *Player) { p.rate = rate } }

func WithLogger(l *zap.Logger) Option { return func(p *Player) { p.log = l } }

func New(opener audio.AssetOpener, opts ...Option) *Player {
	if opener == nil {
		opener = audio.Assets{}
	}
	p := &Player{
		opener:     opener,
		clock:      clockwork.NewRealClock(),
		interval:   250 * time.Millisecond,
		rate:       DefaultSampleRate,
		log:        zap.NewNop(),
		openOutput: openOto,
		decode:     decodeMP3,
		tracks:     make(map[string]*track),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Player) CreatePlayer(ctx context.Context, uri string, onStatus audio.StatusFunc) (audio.PlayerHandle, error) {
	rc, _, err := p.opener.Open(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	dec, err := p.decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if dec.SampleRate() != p.rate {
		return nil, fmt.Errorf("unsupported sample rate %d, output runs at %d", dec.SampleRate(), p.rate)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		out, err := p.openOutput(p.rate)
		if err != nil {
			return nil, err
		}
		p.out = out
	}
	p.seq++
	id := fmt.Sprintf("oto-%d", p.seq)
	src := &countingReader{r: dec}
	t := &track{
		uri:      uri,
		dec:      dec,
		src:      src,
		out:      p.out.NewPlayer(src),
		onStatus: onStatus,
		stop:     make(chan struct{}),
	}
	p.tracks[id] = t

	ticker := p.clock.NewTicker(p.interval)
	p.wg.Add(1)
	go p.monitor(id, t, ticker)
	p.log.Debug("player created", zap.String("id", id), zap.String("uri", uri))
	return handle(id), nil
}

func (p *Player) monitor(id string, t *track, ticker clockwork.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.Chan():
		}
		st, ok := p.poll(t)
		if ok && t.onStatus != nil {
			t.onStatus(st)
		}
	}
}

func (p *Player) poll(t *track) (audio.PlayerStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !t.playing {
		return audio.PlayerStatus{}, false
	}
	st := audio.PlayerStatus{
		PositionMs: p.positionLocked(t),
		DurationMs: p.toMs(t.dec.Length()),
		IsPlaying:  true,
	}
	if _, eof := t.src.state(); eof && !t.out.IsPlaying() {
		t.playing = false
		st.IsPlaying = false
		st.DidFinish = true
		st.PositionMs = st.DurationMs
	}
	return st, true
}

func (p *Player) positionLocked(t *track) int64 {
	n, _ := t.src.state()
	played := n - int64(t.out.UnplayedBufferSize())
	if played < 0 {
		played = 0
	}
	return p.toMs(played)
}

func (p *Player) toMs(n int64) int64 {
	return n * 1000 / int64(p.rate*bytesPerFrame)
}

func (p *Player) track(h audio.PlayerHandle) (*track, error) {
	t, ok := p.tracks[h.ID()]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return t, nil
}

func (p *Player) Play(ctx context.Context, h audio.PlayerHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.track(h)
	if err != nil {
		return err
	}
	t.out.Play()
	t.playing = true
	return nil
}

func (p *Player) Pause(ctx context.Context, h audio.PlayerHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.track(h)
	if err != nil {
		return err
	}
	t.out.Pause()
	t.playing = false
	return nil
}

func (p *Player) Seek(ctx context.Context, h audio.PlayerHandle, positionMs int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.track(h)
	if err != nil {
		return err
	}
	if positionMs < 0 {
		positionMs = 0
	}
	off := positionMs * int64(p.rate) / 1000 * bytesPerFrame
	if l := t.dec.Length(); off > l {
		off = l
	}
	t.out.Pause()
	t.out.Reset()
	if err := t.src.seek(off); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	if t.playing {
		t.out.Play()
	}
	return nil
}

func (p *Player) Unload(ctx context.Context, h audio.PlayerHandle) error {
	p.mu.Lock()
	t, err := p.track(h)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	delete(p.tracks, h.ID())
	t.playing = false
	close(t.stop)
	p.mu.Unlock()
	return t.out.Close()
}

// Close unloads everything still loaded.
func (p *Player) Close() error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.tracks))
	for id := range p.tracks {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	var err error
	for _, id := range ids {
		if e := p.Unload(context.Background(), handle(id)); e != nil && !errors.Is(e, ErrUnknownHandle) {
			err = multierr.Append(err, e)
		}
	}
	p.wg.Wait()
	return err
}

var _ audio.Player = (*Player)(nil)
