package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"hands/mjpeg-relay/internal/auth"
	"hands/mjpeg-relay/internal/broadcast"
	"hands/mjpeg-relay/internal/config"
	"hands/mjpeg-relay/internal/ingest"
	"hands/mjpeg-relay/internal/log"
	"hands/mjpeg-relay/internal/relay"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		log.WithError(err).Fatal("Unable to load configuration")
	}
	if cfg.VersionAndExit {
		fmt.Printf("mjpeg-relay %s\n", version)
		return
	}

	if args := config.Args(); len(args) > 0 {
		if err := runCommand(cfg, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := log.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		log.WithError(err).Fatal("Unable to set up logging")
	}
	defer log.Close()

	if err := run(cfg); err != nil {
		log.WithError(err).Error("mjpeg-relay stopped")
		log.Close()
		os.Exit(1)
	}
}

// runCommand handles the maintenance subcommands.
func runCommand(cfg *config.Relay, args []string) error {
	switch args[0] {
	case "create-token":
		if len(args) != 2 {
			return errors.New("usage: mjpeg-relay create-token <name>")
		}
		store, err := auth.OpenTokenStore(cfg.TokensFile)
		if err != nil {
			return err
		}
		token, err := store.Create(args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Access token for %q (shown only once):\n%s\n", args[1], token)
		return nil
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func run(cfg *config.Relay) error {
	log.Info("Starting mjpeg-relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := auth.OpenTokenStore(cfg.TokensFile)
	if err != nil {
		return err
	}
	if store.Len() == 0 {
		log.Warn("No access tokens yet, run `mjpeg-relay create-token <name>`")
	}
	go func() {
		if err := store.Watch(ctx); err != nil {
			log.WithError(err).Warn("Token store is not watched for changes")
		}
	}()

	tlsCfg, err := cfg.ServerTLS()
	if err != nil {
		return err
	}
	if tlsCfg == nil {
		log.Warn("No certificate configured, accepting the uplink over plain TCP")
	}

	sup := relay.New(relay.Options{
		Capacity: cfg.FrameCapacity,
		Ingest: ingest.Options{
			Addr:             cfg.UplinkListen,
			TLS:              tlsCfg,
			Auth:             store,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadTimeout:      cfg.ReadTimeout,
			AuthRate:         rate.Limit(cfg.AuthRate),
			AuthBurst:        cfg.AuthBurst,
		},
	})
	if err := sup.Start(ctx); err != nil {
		return err
	}

	var gate auth.Authenticator
	if cfg.ViewerAuth {
		gate = store
	}
	viewers := broadcast.NewHandler(sup, gate)

	if log.L().IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(sup, viewers),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.With(log.Fields{"addr": cfg.Listen}).Info("Serving viewers")
		serveErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case <-sup.Done():
		log.Warn("Ingest listener stopped, shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	// open streams only end once the slot is released
	if err := sup.Stop(); err != nil && runErr == nil {
		runErr = fmt.Errorf("ingest listener died: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	return runErr
}

func newRouter(sup *relay.Supervisor, viewers *broadcast.Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", func(c *gin.Context) {
		if !sup.Alive() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"relay":   sup.Stats(),
			"viewers": viewers.Viewers(),
		})
	})
	viewers.Register(router)

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		entry := log.With(log.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"remote": c.ClientIP(),
		})
		entry.Debug("Incoming request")

		c.Next()

		entry.WithFields(logrus.Fields{
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Info("Request done")
	}
}
