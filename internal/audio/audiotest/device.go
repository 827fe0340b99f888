// Package audiotest provides an in-memory audio device for tests.
package audiotest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"Murmur/internal/audio"
)

var ErrUnknownHandle = errors.New("audiotest: unknown handle")

type handle string

func (h handle) ID() string { return string(h) }

type player struct {
	id       string
	uri      string
	playing  bool
	onStatus audio.StatusFunc
}

// Device is a scriptable fake satisfying audio.Device. All counters are safe
// to read concurrently through the accessor methods.
type Device struct {
	mu sync.Mutex

	Unsupported     bool
	DenyPermission  bool
	StartErr        error
	StopErr         error
	CreateErr       func(uri string) error
	PlayErr         error
	RecordingLength float64

	seq        int
	recorders  map[string]bool
	players    map[string]*player
	maxPlayers int
	maxPlaying int
	released   map[string]int
	log        []string
}

func New() *Device {
	return &Device{
		RecordingLength: 12,
		recorders:       make(map[string]bool),
		players:         make(map[string]*player),
		released:        make(map[string]int),
	}
}

func (d *Device) record(format string, args ...any) {
	d.log = append(d.log, fmt.Sprintf(format, args...))
}

func (d *Device) Supported() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.Unsupported
}

func (d *Device) RequestPermission(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.DenyPermission, nil
}

func (d *Device) StartRecording(ctx context.Context) (audio.RecorderHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StartErr != nil {
		return nil, d.StartErr
	}
	if len(d.recorders) > 0 {
		return nil, errors.New("audiotest: recorder already open")
	}
	d.seq++
	id := fmt.Sprintf("rec-%d", d.seq)
	d.recorders[id] = true
	d.record("start %s", id)
	return handle(id), nil
}

func (d *Device) StopRecording(ctx context.Context, h audio.RecorderHandle) (audio.AudioAsset, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.recorders[h.ID()] {
		return audio.AudioAsset{}, ErrUnknownHandle
	}
	if d.StopErr != nil {
		return audio.AudioAsset{}, d.StopErr
	}
	delete(d.recorders, h.ID())
	d.record("stop %s", h.ID())
	return audio.AudioAsset{
		URI:             fmt.Sprintf("file:///tmp/%s.m4a", h.ID()),
		DurationSeconds: d.RecordingLength,
		ContentType:     "audio/mp4",
	}, nil
}

func (d *Device) CancelRecording(ctx context.Context, h audio.RecorderHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.recorders[h.ID()] {
		return ErrUnknownHandle
	}
	delete(d.recorders, h.ID())
	d.record("cancel %s", h.ID())
	return nil
}

func (d *Device) ReleaseAsset(ctx context.Context, uri string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released[uri]++
	d.record("release %s", uri)
	return nil
}

func (d *Device) CreatePlayer(ctx context.Context, uri string, onStatus audio.StatusFunc) (audio.PlayerHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CreateErr != nil {
		if err := d.CreateErr(uri); err != nil {
			return nil, err
		}
	}
	d.seq++
	id := fmt.Sprintf("player-%d", d.seq)
	d.players[id] = &player{id: id, uri: uri, onStatus: onStatus}
	if len(d.players) > d.maxPlayers {
		d.maxPlayers = len(d.players)
	}
	d.record("create %s %s", id, uri)
	return handle(id), nil
}

func (d *Device) Play(ctx context.Context, h audio.PlayerHandle) error {
	d.mu.Lock()
	p, ok := d.players[h.ID()]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownHandle
	}
	if d.PlayErr != nil {
		d.mu.Unlock()
		return d.PlayErr
	}
	p.playing = true
	if n := d.playingLocked(); n > d.maxPlaying {
		d.maxPlaying = n
	}
	d.record("play %s", p.uri)
	d.mu.Unlock()
	return nil
}

func (d *Device) Pause(ctx context.Context, h audio.PlayerHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.players[h.ID()]
	if !ok {
		return ErrUnknownHandle
	}
	p.playing = false
	d.record("pause %s", p.uri)
	return nil
}

func (d *Device) Seek(ctx context.Context, h audio.PlayerHandle, positionMs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.players[h.ID()]
	if !ok {
		return ErrUnknownHandle
	}
	d.record("seek %s %d", p.uri, positionMs)
	return nil
}

func (d *Device) Unload(ctx context.Context, h audio.PlayerHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.players[h.ID()]
	if !ok {
		return ErrUnknownHandle
	}
	delete(d.players, h.ID())
	d.record("unload %s", p.uri)
	return nil
}

// Finish reports natural completion for the player currently loaded with uri.
func (d *Device) Finish(uri string) bool {
	d.mu.Lock()
	var target *player
	for _, p := range d.players {
		if p.uri == uri {
			target = p
			break
		}
	}
	if target == nil {
		d.mu.Unlock()
		return false
	}
	target.playing = false
	cb := target.onStatus
	d.mu.Unlock()

	if cb != nil {
		cb(audio.PlayerStatus{PositionMs: 1000, DurationMs: 1000, DidFinish: true})
	}
	return true
}

// Progress pushes a position update for the player loaded with uri.
func (d *Device) Progress(uri string, positionMs, durationMs int64) {
	d.mu.Lock()
	var cb audio.StatusFunc
	for _, p := range d.players {
		if p.uri == uri {
			cb = p.onStatus
			break
		}
	}
	d.mu.Unlock()
	if cb != nil {
		cb(audio.PlayerStatus{PositionMs: positionMs, DurationMs: durationMs, IsPlaying: true})
	}
}

func (d *Device) playingLocked() int {
	n := 0
	for _, p := range d.players {
		if p.playing {
			n++
		}
	}
	return n
}

// OpenRecorders is the number of recorder handles not yet stopped or cancelled.
func (d *Device) OpenRecorders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.recorders)
}

// OpenPlayers is the number of loaded sound objects.
func (d *Device) OpenPlayers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.players)
}

// Playing returns the URIs currently playing.
func (d *Device) Playing() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, p := range d.players {
		if p.playing {
			out = append(out, p.uri)
		}
	}
	return out
}

// MaxOpenPlayers is the high-water mark of simultaneously loaded players.
func (d *Device) MaxOpenPlayers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxPlayers
}

func (d *Device) MaxPlaying() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxPlaying
}

func (d *Device) Released(uri string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released[uri]
}

// Log returns a copy of the operation log.
func (d *Device) Log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

var _ audio.Device = (*Device)(nil)
