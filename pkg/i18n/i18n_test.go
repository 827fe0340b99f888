package i18n

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "Murmur/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	s, err := NewI18nSupport("en", "")
	require.NoError(t, err)

	upload := apperrors.WrapKind(apperrors.KindUploadFailed, os.ErrDeadlineExceeded, "upload audio")
	assert.Equal(t, "Upload failed. Your recording is kept, tap send to retry.", s.Error("en", upload, nil))
	assert.Equal(t, "上传失败，录音已保留，点击发送重试", s.Error("zh-CN", upload, nil))

	draft := apperrors.NewKind(apperrors.KindInvalidDraft, "title is required")
	assert.Equal(t, "Your post is missing something: title is required", s.Error("en", draft, nil))

	conv := apperrors.NewKind(apperrors.KindConversionFailed, "convert")
	assert.Contains(t, s.Error("en", conv, map[string]interface{}{"Name": "Mia"}), "Mia's voice")

	assert.Equal(t, "Something went wrong.", s.Error("en", os.ErrClosed, nil))
	assert.Empty(t, s.Error("en", nil, nil))
}

func TestPluralAndFallback(t *testing.T) {
	s, err := NewI18nSupport("en", "")
	require.NoError(t, err)

	assert.Equal(t, "1 second left", s.Plural("en", "recording.remaining", 1))
	assert.Equal(t, "5 seconds left", s.Plural("en", "recording.remaining", 5))
	assert.Equal(t, "剩余 5 秒", s.Plural("zh", "recording.remaining", 5))
	// 未知语言退回默认语言
	assert.Equal(t, "+10 points", s.Plural("fr", "publish.points", 10))
	assert.Equal(t, "missing.key", s.TWithDefaultLang("missing.key", nil))
}

func TestLocaleFilesOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en.json"),
		[]byte(`{"error.timeout": "Slow network, try again."}`), 0o644))

	s, err := NewI18nSupport("en", dir)
	require.NoError(t, err)
	assert.Equal(t, "Slow network, try again.", s.T("en", "error.timeout", nil))
	assert.Equal(t, "请求超时", s.T("zh", "error.timeout", nil))

	_, err = NewI18nSupport("??", "")
	assert.Error(t, err)
}
