package voiceclone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"Murmur/internal/audio"

	"github.com/sirupsen/logrus"
)

// Config contains voice conversion client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	RetryBackoff  time.Duration
	// OutputDir receives converted audio when the service streams bytes back
	// instead of returning a URL
	OutputDir string
}

// Client calls the voice conversion service: the source audio is uploaded
// together with the target voice id and a new, independent asset comes back.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}
	opener     audio.AssetOpener
	logger     *logrus.Logger
}

type convertResponse struct {
	AudioURL string `json:"audio_url"`
	Error    string `json:"error,omitempty"`
}

// StatusError is a non-2xx answer from the service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("voice service returned %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a new voice conversion client
func NewClient(config Config, opener audio.AssetOpener, logger *logrus.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.OutputDir == "" {
		config.OutputDir = os.TempDir()
	}
	if opener == nil {
		opener = audio.Assets{}
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, config.MaxConcurrent),
		opener:    opener,
		logger:    logger,
	}, nil
}

// Convert renders sourceURI in the voice voiceID and returns the new asset URI
func (c *Client) Convert(ctx context.Context, sourceURI, voiceID string) (string, error) {
	if voiceID == "" {
		return "", fmt.Errorf("voice id cannot be empty")
	}
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	data, name, err := c.readSource(ctx, sourceURI)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.RetryBackoff << (attempt - 1)
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		uri, err := c.doRequest(ctx, data, name, voiceID)
		if err == nil {
			c.logger.WithFields(logrus.Fields{"voice": voiceID, "attempt": attempt + 1}).Debug("voice conversion done")
			return uri, nil
		}
		lastErr = err
		c.logger.WithError(err).WithFields(logrus.Fields{"voice": voiceID, "attempt": attempt + 1}).Warn("voice conversion attempt failed")
		if !isRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	return "", fmt.Errorf("voice conversion failed: %w", lastErr)
}

func (c *Client) readSource(ctx context.Context, uri string) ([]byte, string, error) {
	rc, _, err := c.opener.Open(ctx, uri)
	if err != nil {
		return nil, "", fmt.Errorf("open source audio: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", fmt.Errorf("read source audio: %w", err)
	}
	return data, "source." + audio.AudioAsset{URI: uri}.Ext(), nil
}

func (c *Client) doRequest(ctx context.Context, data []byte, name, voiceID string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fw, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.WriteField("voice_id", voiceID); err != nil {
		return "", fmt.Errorf("failed to write field voice_id: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	endpoint := strings.TrimRight(c.config.Endpoint, "/") + "/convert"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "audio/") || mediaType == "application/octet-stream" {
		return c.saveAudio(resp.Body, mediaType)
	}

	var out convertResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if out.AudioURL == "" {
		return "", fmt.Errorf("voice service returned no audio: %s", out.Error)
	}
	return out.AudioURL, nil
}

// saveAudio 服务直接返回音频流时落地到本地文件
func (c *Client) saveAudio(r io.Reader, mediaType string) (string, error) {
	ext := ".mp3"
	switch mediaType {
	case "audio/wav", "audio/x-wav":
		ext = ".wav"
	case "audio/mp4", "audio/aac":
		ext = ".m4a"
	case "audio/ogg":
		ext = ".ogg"
	}
	f, err := os.CreateTemp(c.config.OutputDir, "voice-*"+ext)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write converted audio: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return "file://" + path.Clean(f.Name()), nil
}

func isRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	// 网络错误与超时都可以重试
	return !errors.Is(err, context.Canceled)
}
