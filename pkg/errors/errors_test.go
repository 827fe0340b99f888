package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := stderrors.New("connection reset")
	err := WrapKind(KindUploadFailed, base, "upload reaction")
	wrapped := fmt.Errorf("publish: %w", Wrap(err, "pipeline"))

	assert.Equal(t, KindUploadFailed, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindUploadFailed))
	assert.False(t, IsKind(wrapped, KindPublishRecordFailed))
	assert.ErrorIs(t, wrapped, base)
	assert.True(t, IsRetryable(wrapped))
	assert.True(t, IsBlocking(wrapped))
}

func TestAbsorbedKindsAreNotBlocking(t *testing.T) {
	assert.False(t, IsBlocking(NewKind(KindTranscriptionFailed, "no text")))
	assert.False(t, IsBlocking(NewKind(KindConversionFailed, "voice service down")))
	assert.False(t, IsBlocking(nil))
	assert.True(t, IsBlocking(stderrors.New("plain")))
}

func TestWithContextKeepsIdentity(t *testing.T) {
	sentinel := New("already open")
	err := sentinel.WithContext("surface", "story")

	assert.True(t, stderrors.Is(err, sentinel))
	v, ok := err.ContextValue("surface")
	assert.True(t, ok)
	assert.Equal(t, "story", v)
	assert.Empty(t, sentinel.Context)
}

func TestErrorMessage(t *testing.T) {
	err := WrapKind(KindRecordingFailed, stderrors.New("mic busy"), "start recorder")
	assert.Equal(t, "start recorder: mic busy", err.Error())
	assert.Equal(t, "start recorder", GetMessage(err))
	assert.NotEmpty(t, GetStack(err))
}
