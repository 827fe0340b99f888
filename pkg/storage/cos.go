package stores

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	cos "github.com/tencentyun/cos-go-sdk-v5"
)

// COSStore 腾讯云 COS 存储
type COSStore struct {
	bucketURL *url.URL
	baseURL   string
	cli       *cos.Client
}

func NewCOSStore(cfg Config) (*COSStore, error) {
	if cfg.COSBucketURL == "" {
		return nil, fmt.Errorf("cos: bucket url is required")
	}
	u, err := url.Parse(cfg.COSBucketURL)
	if err != nil {
		return nil, fmt.Errorf("cos: parse bucket url: %w", err)
	}
	cli := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  cfg.COSSecretID,
			SecretKey: cfg.COSSecretKey,
		},
	})
	return &COSStore{bucketURL: u, baseURL: cfg.BaseURL, cli: cli}, nil
}

func (s *COSStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{ContentType: contentType},
	}
	if size >= 0 {
		opt.ObjectPutHeaderOptions.ContentLength = size
	}
	if _, err := s.cli.Object.Put(ctx, key, r, opt); err != nil {
		return "", fmt.Errorf("cos: put %s: %w", key, err)
	}
	return key, nil
}

func (s *COSStore) Delete(ctx context.Context, key string) error {
	resp, err := s.cli.Object.Delete(ctx, key)
	if err != nil && resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (s *COSStore) PublicURL(key string) string {
	if s.baseURL != "" {
		return joinURL(s.baseURL, key)
	}
	return s.cli.Object.GetObjectURL(key).String()
}
