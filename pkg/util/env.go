package util

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// LoadEnv 加载 .env 与 .env.{env} 文件，已存在的环境变量不会被覆盖
func LoadEnv(env string) error {
	files := make([]string, 0, 2)
	for _, name := range []string{".env." + env, ".env"} {
		if _, err := os.Stat(name); err == nil {
			files = append(files, name)
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("no env file found for %q", env)
	}
	return godotenv.Load(files...)
}

func GetEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// GetEnvOr 读取环境变量，为空时返回默认值
func GetEnvOr(key, def string) string {
	if v := GetEnv(key); v != "" {
		return v
	}
	return def
}

func GetIntEnv(key string) int64 {
	return cast.ToInt64(GetEnv(key))
}

func GetBoolEnv(key string) bool {
	return cast.ToBool(GetEnv(key))
}

// GetDurationEnv 支持 "30s" 形式以及纯数字（按秒）
func GetDurationEnv(key string, def time.Duration) time.Duration {
	v := GetEnv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := cast.ToInt64E(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
