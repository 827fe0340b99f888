package transcribe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"Murmur/internal/audio"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// Config for the OpenAI compatible transcription endpoint
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Prompt   string
	Timeout  time.Duration
}

// OpenAI transcribes audio assets with the Whisper API (or any server
// speaking the same protocol)
type OpenAI struct {
	client *openai.Client
	opener audio.AssetOpener
	model  string
	lang   string
	prompt string
	logger *logrus.Logger
}

// New creates a transcriber; opener reads the asset bytes
func New(cfg Config, opener audio.AssetOpener, logger *logrus.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("transcribe: API key cannot be empty")
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	if opener == nil {
		opener = audio.Assets{}
	}

	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	conf.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAI{
		client: openai.NewClientWithConfig(conf),
		opener: opener,
		model:  cfg.Model,
		lang:   cfg.Language,
		prompt: cfg.Prompt,
		logger: logger,
	}, nil
}

// Transcribe returns the text spoken in the asset at uri
func (t *OpenAI) Transcribe(ctx context.Context, uri string) (string, error) {
	rc, _, err := t.opener.Open(ctx, uri)
	if err != nil {
		return "", fmt.Errorf("transcribe: open %s: %w", uri, err)
	}
	defer rc.Close()

	start := time.Now()
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: fileName(uri),
		Reader:   rc,
		Language: t.lang,
		Prompt:   t.prompt,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		t.logger.WithError(err).WithField("uri", uri).Warn("transcription request failed")
		return "", fmt.Errorf("transcribe: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"uri":   uri,
		"chars": len(resp.Text),
		"took":  time.Since(start).String(),
	}).Debug("transcription done")
	return strings.TrimSpace(resp.Text), nil
}

// fileName 上传时的文件名，服务端根据扩展名识别格式
func fileName(uri string) string {
	p := uri
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		p = u.Path
	}
	name := path.Base(p)
	if name == "" || name == "." || name == "/" {
		return "audio.m4a"
	}
	if path.Ext(name) == "" {
		name += "." + audio.AudioAsset{URI: uri}.Ext()
	}
	return name
}
