package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Murmur/internal/app"
	"Murmur/internal/playback"
	"Murmur/internal/publish"
	"Murmur/pkg/config"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	play := flag.String("play", "", "play one audio asset through the arbiter and exit")
	sweepOnce := flag.Bool("sweep-once", false, "remove orphaned uploads once and exit")
	flag.Parse()

	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	a, err := app.New(config.GlobalConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := 0
	switch {
	case *play != "":
		if err := playOne(ctx, a, *play); err != nil {
			a.Log.Error("playback failed", zap.Error(err))
			code = 1
		}
	case *sweepOnce:
		n, err := publish.NewOrphanSweeper(a.DB, a.Store, a.Log.Named("orphans")).Sweep(ctx)
		if err != nil {
			a.Log.Error("orphan sweep failed", zap.Error(err))
			code = 1
		}
		a.Log.Info("orphan sweep done", zap.Int("removed", n))
	default:
		serve(ctx, a)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown: %v\n", err)
	}
	return code
}

func serve(ctx context.Context, a *app.App) {
	a.Start()
	if addr := a.Config.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Log.Error("metrics server", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		a.Log.Info("metrics listening", zap.String("addr", addr))
	}
	a.Log.Info("running, waiting for signals")
	<-ctx.Done()
	a.Log.Info("shutting down")
}

func playOne(ctx context.Context, a *app.App, uri string) error {
	done := make(chan error, 1)
	unsubscribe := a.Arbiter.Subscribe(func(ev playback.Event) {
		var err error
		switch ev.Type {
		case playback.EventFinished:
		case playback.EventFailed:
			err = ev.Err
		default:
			return
		}
		select {
		case done <- err:
		default:
		}
	})
	defer unsubscribe()

	if err := a.Arbiter.Request(ctx, "cli", uri); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return a.Arbiter.Clear(context.Background())
	}
}
