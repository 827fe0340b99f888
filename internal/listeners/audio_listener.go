package listeners

import (
	"context"

	"Murmur/internal/composer"
	"Murmur/internal/playback"
	"Murmur/internal/publish"
	"Murmur/pkg/logger"
	"Murmur/pkg/util"

	"go.uber.org/zap"
)

// App lifecycle signals, emitted by the host shell.
const (
	SigAppBackground = "app.background"
	SigAppForeground = "app.foreground"
)

func ctxParam(params []any) context.Context {
	if len(params) > 0 {
		if ctx, ok := params[0].(context.Context); ok && ctx != nil {
			return ctx
		}
	}
	return context.Background()
}

// InitAudioListeners wires the playback arbiter to recording and app
// lifecycle signals. The returned func disconnects everything.
func InitAudioListeners(sig *util.Signals, arb *playback.Arbiter) func() {
	var cancels []func()

	// 开始录音前停掉所有播放
	cancels = append(cancels, sig.Connect(composer.SigRecordingStarted, func(sender any, params ...any) {
		if err := arb.Clear(ctxParam(params)); err != nil {
			logger.Warn("clear playback before recording", zap.Error(err))
		}
	}))

	cancels = append(cancels, sig.Connect(SigAppBackground, func(sender any, params ...any) {
		arb.OnBackground(ctxParam(params))
	}))
	cancels = append(cancels, sig.Connect(SigAppForeground, func(sender any, params ...any) {
		arb.OnForeground()
	}))

	cancels = append(cancels, sig.Connect(publish.SigPostPublished, func(sender any, params ...any) {
		if len(params) == 0 {
			return
		}
		res, ok := params[0].(*publish.Result)
		if !ok {
			return
		}
		logger.Info("post published",
			zap.String("kind", string(res.Kind)),
			zap.Uint("id", res.ID),
			zap.Uint("author", res.AuthorID),
			zap.Int64("points", res.PointsAdded),
			zap.Bool("transcribed", res.Transcript != nil))
	}))

	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
