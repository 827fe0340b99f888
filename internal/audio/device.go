package audio

import (
	"context"
	"errors"
	"io"
	"strings"
)

// AudioAsset is an immutable reference to a piece of recorded or derived audio.
type AudioAsset struct {
	URI             string  `json:"uri"`
	DurationSeconds float64 `json:"durationSeconds"`
	ContentType     string  `json:"contentType"`
}

func (a AudioAsset) IsZero() bool { return a.URI == "" }

// Ext returns the file extension of the asset without the dot, derived from
// the URI first and the content type second.
func (a AudioAsset) Ext() string {
	uri := a.URI
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	if i := strings.LastIndexByte(uri, '.'); i >= 0 && !strings.ContainsRune(uri[i:], '/') {
		if ext := strings.ToLower(uri[i+1:]); ext != "" {
			return ext
		}
	}
	switch a.ContentType {
	case "audio/mpeg":
		return "mp3"
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "audio/ogg":
		return "ogg"
	case "audio/webm":
		return "webm"
	}
	return "m4a"
}

// RecorderHandle identifies one open native recorder.
type RecorderHandle interface {
	ID() string
}

// PlayerHandle identifies one open native sound object.
type PlayerHandle interface {
	ID() string
}

// PlayerStatus is reported by the device while a sound object is loaded.
type PlayerStatus struct {
	PositionMs int64
	DurationMs int64
	IsPlaying  bool
	DidFinish  bool
}

// StatusFunc receives player status updates. It may be called from any
// goroutine, including synchronously from inside Play.
type StatusFunc func(PlayerStatus)

// Recorder is the microphone side of the platform audio device.
type Recorder interface {
	// Supported reports whether capture is possible at all on this target
	// (false on simulators and web builds without a microphone).
	Supported() bool
	RequestPermission(ctx context.Context) (bool, error)
	StartRecording(ctx context.Context) (RecorderHandle, error)
	// StopRecording finalizes the capture and returns the written asset.
	StopRecording(ctx context.Context, h RecorderHandle) (AudioAsset, error)
	// CancelRecording closes the handle and throws the capture away.
	CancelRecording(ctx context.Context, h RecorderHandle) error
	// ReleaseAsset deletes a local asset produced by this device.
	ReleaseAsset(ctx context.Context, uri string) error
}

// Player is the speaker side of the platform audio device.
type Player interface {
	CreatePlayer(ctx context.Context, uri string, onStatus StatusFunc) (PlayerHandle, error)
	Play(ctx context.Context, h PlayerHandle) error
	Pause(ctx context.Context, h PlayerHandle) error
	Seek(ctx context.Context, h PlayerHandle, positionMs int64) error
	Unload(ctx context.Context, h PlayerHandle) error
}

// Device bundles both sides, matching what mobile platforms expose.
type Device interface {
	Recorder
	Player
}

// AssetOpener gives read access to asset bytes for upload and transcription.
type AssetOpener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, int64, error)
}

// Transcriber turns audio into text. It must be a pure function of the audio.
type Transcriber interface {
	Transcribe(ctx context.Context, uri string) (string, error)
}

// NoCapture is the Recorder of targets without a microphone. Sessions
// built on it fail with CaptureUnavailable on Start.
type NoCapture struct{}

var errNoCapture = errors.New("audio: capture not supported")

func (NoCapture) Supported() bool { return false }

func (NoCapture) RequestPermission(ctx context.Context) (bool, error) { return false, nil }

func (NoCapture) StartRecording(ctx context.Context) (RecorderHandle, error) {
	return nil, errNoCapture
}

func (NoCapture) StopRecording(ctx context.Context, h RecorderHandle) (AudioAsset, error) {
	return AudioAsset{}, errNoCapture
}

func (NoCapture) CancelRecording(ctx context.Context, h RecorderHandle) error { return errNoCapture }

func (NoCapture) ReleaseAsset(ctx context.Context, uri string) error { return nil }
