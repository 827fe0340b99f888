package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `env:"LOG_LEVEL"`
	Filename   string `env:"LOG_FILENAME"`
	MaxSize    int    `env:"LOG_MAX_SIZE"`
	MaxAge     int    `env:"LOG_MAX_AGE"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS"`
}

var (
	mu     sync.RWMutex
	global = zap.NewNop()
)

// Init 根据配置初始化全局 logger；Filename 为空时只输出到 stderr
func Init(cfg LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil || cfg.Level == "" {
		level.SetLevel(zapcore.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}
	if cfg.Filename != "" {
		rotate := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    withDefault(cfg.MaxSize, 100),
			MaxAge:     withDefault(cfg.MaxAge, 7),
			MaxBackups: withDefault(cfg.MaxBackups, 5),
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotate), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	Set(l)
	return l, nil
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Set 替换全局 logger（测试中可注入 zaptest logger）
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	global = l
	mu.Unlock()
}

// L 返回全局 logger
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Named 返回带组件名的子 logger
func Named(name string) *zap.Logger { return L().Named(name) }

func Debug(msg string, fields ...zap.Field) { L().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...) }

// Sync 刷新缓冲
func Sync() error { return L().Sync() }
