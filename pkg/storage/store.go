package stores

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Store 对象存储接口
type Store interface {
	// Put 上传对象，size 未知时传 -1，返回实际存储的 key
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)

	// Delete 删除对象，对象不存在不视为错误
	Delete(ctx context.Context, key string) error

	// PublicURL 返回对象的外部访问地址
	PublicURL(key string) string
}

// Config 对象存储配置
type Config struct {
	Driver string

	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	BaseURL   string

	COSBucketURL string
	COSSecretID  string
	COSSecretKey string
}

// New 按驱动创建 Store
func New(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "minio":
		return NewMinioStore(cfg)
	case "cos":
		return NewCOSStore(cfg)
	}
	return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
}

// ContentTypeFor 根据扩展名推断音频的 Content-Type
func ContentTypeFor(key string) string {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(key), ".")) {
	case "m4a", "mp4", "aac":
		return "audio/mp4"
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "ogg", "opus":
		return "audio/ogg"
	case "webm":
		return "audio/webm"
	case "caf":
		return "audio/x-caf"
	}
	return "application/octet-stream"
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
