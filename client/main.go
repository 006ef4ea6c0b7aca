package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"hands/mjpeg-relay/internal/camera"
	"hands/mjpeg-relay/internal/config"
	"hands/mjpeg-relay/internal/log"
	"hands/mjpeg-relay/internal/uplink"
)

var version = "dev"

// shutdownGrace is how long the uplink may take to deliver the end marker
// after a signal.
const shutdownGrace = 15 * time.Second

func main() {
	// --- 1. Configuration and logging ---
	cfg, err := config.LoadClient()
	if err != nil {
		log.WithError(err).Fatal("Unable to load configuration")
	}
	if cfg.VersionAndExit {
		fmt.Printf("mjpeg-uplink %s\n", version)
		return
	}
	if err := log.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		log.WithError(err).Fatal("Unable to set up logging")
	}
	defer log.Close()

	log.With(log.Fields{"relay": cfg.Addr(), "source": cfg.Source}).Info("Starting mjpeg uplink")

	tlsCfg, err := cfg.ClientTLS()
	if err != nil {
		log.WithError(err).Error("Unable to set up TLS")
		log.Close()
		os.Exit(1)
	}
	if tlsCfg == nil {
		log.Warn("Sending frames unencrypted")
	}

	// --- 2. Signal handling ---
	// A signal stops the camera; the uplink then sends the end marker and
	// returns. runCtx is only cancelled if that takes too long.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	context.AfterFunc(ctx, func() {
		log.Info("Shutdown signal received")
		time.AfterFunc(shutdownGrace, cancelRun)
	})

	// --- 3. Camera ---
	feed := camera.NewFeed(cfg.MaxFrame)
	go func() {
		if err := runCamera(ctx, cfg, feed); err != nil {
			log.WithError(err).Error("Camera stopped")
		}
	}()

	// --- 4. Stream until the camera closes ---
	client := uplink.New(feed, uplink.Options{
		Addr:        cfg.Addr(),
		Credential:  []byte(cfg.Token),
		TLS:         tlsCfg,
		Backoff:     cfg.Backoff,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Uplink stopped")
	}

	s := client.Stats()
	log.With(log.Fields{
		"sessions": s.Sessions,
		"frames":   s.FramesSent,
		"bytes":    s.BytesSent,
	}).Info("Stream finished")
}

// runCamera runs the configured frame source. Every source closes feed when
// it returns.
func runCamera(ctx context.Context, cfg *config.Client, feed *camera.Feed) error {
	switch cfg.Source {
	case config.SourceFile:
		return camera.WatchFile(ctx, feed, cfg.File)
	case config.SourceMJPEG:
		return camera.PullMJPEG(ctx, feed, cfg.URL, cfg.JPEGQuality)
	default:
		args := camera.FFmpegArgs(camera.Capture{
			Format:    cfg.InputFormat,
			Device:    cfg.Device,
			Width:     cfg.Width,
			Height:    cfg.Height,
			Framerate: cfg.Framerate,
			Quality:   cfg.Quality,
			Verbose:   cfg.Verbose || log.L().IsLevelEnabled(logrus.DebugLevel),
		})
		return camera.RunCommand(ctx, feed, cfg.FFmpeg, args...)
	}
}
