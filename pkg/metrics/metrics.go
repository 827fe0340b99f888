package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 音频会话子系统指标
type Metrics struct {
	// 录音指标
	recordingsTotal  *prometheus.CounterVec
	recordingSeconds prometheus.Histogram

	// 播放指标
	playbackEvents *prometheus.CounterVec

	// 变声指标
	conversionsTotal  *prometheus.CounterVec
	conversionSeconds prometheus.Histogram

	// 发布指标
	publishTotal   *prometheus.CounterVec
	publishSeconds *prometheus.HistogramVec
}

// NewMetrics 创建指标管理器，reg 为空时注册到默认 registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		recordingsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "murmur_recordings_total",
				Help: "Recording sessions by outcome",
			},
			[]string{"outcome"},
		),
		recordingSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "murmur_recording_seconds",
				Help:    "Length of finished recordings in seconds",
				Buckets: prometheus.LinearBuckets(5, 5, 9),
			},
		),
		playbackEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "murmur_playback_events_total",
				Help: "Playback arbiter events",
			},
			[]string{"event"},
		),
		conversionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "murmur_conversions_total",
				Help: "Voice conversion jobs by final status",
			},
			[]string{"status"},
		),
		conversionSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "murmur_conversion_seconds",
				Help:    "Voice conversion latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
			},
		),
		publishTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "murmur_publish_total",
				Help: "Publish attempts by post kind and status",
			},
			[]string{"kind", "status"},
		),
		publishSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "murmur_publish_seconds",
				Help:    "Publish pipeline stage duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
	}
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default 返回注册在默认 registry 上的单例
func Default() *Metrics {
	defaultOnce.Do(func() { defaultM = NewMetrics(nil) })
	return defaultM
}

// RecordRecording 记录一次录音结束；seconds 为 0 时只计数
func (m *Metrics) RecordRecording(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.recordingsTotal.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.recordingSeconds.Observe(seconds)
	}
}

func (m *Metrics) RecordPlayback(event string) {
	if m == nil {
		return
	}
	m.playbackEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordConversion(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.conversionsTotal.WithLabelValues(status).Inc()
	if d > 0 {
		m.conversionSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) RecordPublish(kind, status string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) RecordPublishStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.publishSeconds.WithLabelValues(stage).Observe(d.Seconds())
}
