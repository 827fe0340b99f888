package config

import (
	"Murmur/pkg/cache"
	"Murmur/pkg/logger"
	"Murmur/pkg/util"
	"log"
	"os"
	"time"
)

// StorageConfig 对象存储配置
type StorageConfig struct {
	Driver string `env:"STORAGE_DRIVER"` // minio | cos

	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL"`
	PublicBaseURL  string `env:"STORAGE_PUBLIC_BASE"` // 对外访问域名，可选

	COSBucketURL string `env:"COS_BUCKET_URL"`
	COSSecretID  string `env:"COS_SECRET_ID"`
	COSSecretKey string `env:"COS_SECRET_KEY"`
}

// Config 应用配置
type Config struct {
	Env      string
	DBDriver string `env:"DB_DRIVER"`
	DSN      string `env:"DSN"`
	Log      logger.LogConfig
	Storage  StorageConfig
	Cache    cache.Config
	Language string `env:"LANGUAGE"`

	OpenAIAPIKey      string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string        `env:"OPENAI_BASE_URL"`
	TranscribeModel   string        `env:"TRANSCRIBE_MODEL"`
	TranscribeTimeout time.Duration `env:"TRANSCRIBE_TIMEOUT"`

	VoiceAPIURL  string        `env:"VOICE_API_URL"`
	VoiceAPIKey  string        `env:"VOICE_API_KEY"`
	VoiceTimeout time.Duration `env:"VOICE_TIMEOUT"`

	UploadTimeout       time.Duration `env:"UPLOAD_TIMEOUT"`
	MaxRecordingSeconds int           `env:"MAX_RECORDING_SECONDS"`
	PointsPerPost       int           `env:"POINTS_PER_POST"`
	BackgroundGrace     time.Duration `env:"BACKGROUND_GRACE"`
	OrphanSweepSchedule string        `env:"ORPHAN_SWEEP_SCHEDULE"`
	MetricsAddr         string        `env:"METRICS_ADDR"`
}

const (
	DefaultMaxRecordingSeconds = 45
	DefaultPointsPerPost       = 10
)

var GlobalConfig *Config

func Load() error {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	if err := util.LoadEnv(env); err != nil {
		log.Printf("Failed to load .env file: %v", err)
	}

	GlobalConfig = FromEnv(env)
	return nil
}

// FromEnv 从当前环境变量构造配置并填充默认值
func FromEnv(env string) *Config {
	cfg := &Config{
		Env:      env,
		DBDriver: util.GetEnvOr("DB_DRIVER", "sqlite"),
		DSN:      util.GetEnv("DSN"),
		Log: logger.LogConfig{
			Level:      util.GetEnvOr("LOG_LEVEL", "info"),
			Filename:   util.GetEnv("LOG_FILENAME"),
			MaxSize:    int(util.GetIntEnv("LOG_MAX_SIZE")),
			MaxAge:     int(util.GetIntEnv("LOG_MAX_AGE")),
			MaxBackups: int(util.GetIntEnv("LOG_MAX_BACKUPS")),
		},
		Storage: StorageConfig{
			Driver:         util.GetEnvOr("STORAGE_DRIVER", "minio"),
			MinioEndpoint:  util.GetEnv("MINIO_ENDPOINT"),
			MinioAccessKey: util.GetEnv("MINIO_ACCESS_KEY"),
			MinioSecretKey: util.GetEnv("MINIO_SECRET_KEY"),
			MinioBucket:    util.GetEnvOr("MINIO_BUCKET", "murmur-audio"),
			MinioUseSSL:    util.GetBoolEnv("MINIO_USE_SSL"),
			PublicBaseURL:  util.GetEnv("STORAGE_PUBLIC_BASE"),
			COSBucketURL:   util.GetEnv("COS_BUCKET_URL"),
			COSSecretID:    util.GetEnv("COS_SECRET_ID"),
			COSSecretKey:   util.GetEnv("COS_SECRET_KEY"),
		},
		Cache: cache.Config{
			Type: util.GetEnvOr("CACHE_TYPE", "gocache"),
			Redis: cache.RedisConfig{
				Addr:     util.GetEnvOr("REDIS_ADDR", "localhost:6379"),
				Password: util.GetEnv("REDIS_PASSWORD"),
				DB:       int(util.GetIntEnv("REDIS_DB")),
				PoolSize: int(util.GetIntEnv("REDIS_POOL_SIZE")),
			},
			Local: cache.LocalConfig{
				MaxSize:           int(util.GetIntEnv("LOCAL_CACHE_MAX_SIZE")),
				DefaultExpiration: util.GetDurationEnv("LOCAL_CACHE_DEFAULT_EXPIRATION", 30*time.Minute),
				CleanupInterval:   util.GetDurationEnv("LOCAL_CACHE_CLEANUP_INTERVAL", 10*time.Minute),
			},
		},
		Language: util.GetEnvOr("LANGUAGE", "en"),

		OpenAIAPIKey:      util.GetEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:     util.GetEnv("OPENAI_BASE_URL"),
		TranscribeModel:   util.GetEnv("TRANSCRIBE_MODEL"),
		TranscribeTimeout: util.GetDurationEnv("TRANSCRIBE_TIMEOUT", 30*time.Second),

		VoiceAPIURL:  util.GetEnv("VOICE_API_URL"),
		VoiceAPIKey:  util.GetEnv("VOICE_API_KEY"),
		VoiceTimeout: util.GetDurationEnv("VOICE_TIMEOUT", 60*time.Second),

		UploadTimeout:       util.GetDurationEnv("UPLOAD_TIMEOUT", 60*time.Second),
		MaxRecordingSeconds: int(util.GetIntEnv("MAX_RECORDING_SECONDS")),
		PointsPerPost:       int(util.GetIntEnv("POINTS_PER_POST")),
		BackgroundGrace:     util.GetDurationEnv("BACKGROUND_GRACE", 30*time.Second),
		OrphanSweepSchedule: util.GetEnvOr("ORPHAN_SWEEP_SCHEDULE", "@every 1h"),
		MetricsAddr:         util.GetEnv("METRICS_ADDR"),
	}
	if cfg.MaxRecordingSeconds <= 0 {
		cfg.MaxRecordingSeconds = DefaultMaxRecordingSeconds
	}
	if cfg.PointsPerPost <= 0 {
		cfg.PointsPerPost = DefaultPointsPerPost
	}
	return cfg
}

// MaxRecording 录音硬上限
func (c *Config) MaxRecording() time.Duration {
	return time.Duration(c.MaxRecordingSeconds) * time.Second
}
