package stores

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioStore struct {
	Endpoint string
	Bucket   string
	UseSSL   bool
	BaseURL  string // 对外访问域名，可选

	cli        *minio.Client
	bucketOnce sync.Once
	bucketErr  error
}

func NewMinioStore(cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio: endpoint and bucket are required")
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: create client: %w", err)
	}
	return &MinioStore{
		Endpoint: cfg.Endpoint,
		Bucket:   cfg.Bucket,
		UseSSL:   cfg.UseSSL,
		BaseURL:  cfg.BaseURL,
		cli:      cli,
	}, nil
}

// ensureBucket 只在第一次上传时检查 bucket
func (m *MinioStore) ensureBucket(ctx context.Context) error {
	m.bucketOnce.Do(func() {
		exists, err := m.cli.BucketExists(ctx, m.Bucket)
		if err != nil {
			m.bucketErr = err
			return
		}
		if !exists {
			m.bucketErr = m.cli.MakeBucket(ctx, m.Bucket, minio.MakeBucketOptions{})
		}
	})
	return m.bucketErr
}

func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("minio: ensure bucket %s: %w", m.Bucket, err)
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}
	info, err := m.cli.PutObject(ctx, m.Bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("minio: put %s: %w", key, err)
	}
	return info.Key, nil
}

func (m *MinioStore) Delete(ctx context.Context, key string) error {
	err := m.cli.RemoveObject(ctx, m.Bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return nil
	}
	return err
}

func (m *MinioStore) PublicURL(key string) string {
	if m.BaseURL != "" {
		return joinURL(m.BaseURL, key)
	}
	// 回退使用 endpoint（注意直连可能需配置公共读策略）
	scheme := "http://"
	if m.UseSSL {
		scheme = "https://"
	}
	return scheme + m.Endpoint + "/" + m.Bucket + "/" + key
}
