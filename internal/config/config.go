// Package config loads the relay and uplink settings from flags, the
// environment and an optional .env file.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	rconfig "github.com/Luzifer/rconfig/v2"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"hands/mjpeg-relay/internal/wire"
)

// Relay configures the relay server.
type Relay struct {
	Listen           string        `flag:"listen" env:"LISTEN" default:":8000" description:"HTTP address viewers connect to"`
	UplinkListen     string        `flag:"uplink-listen" env:"UPLINK_LISTEN" default:":25000" description:"Address the camera uplink connects to"`
	CertFile         string        `flag:"cert-file" env:"CERT_PEM_FILE" description:"TLS certificate for the uplink listener (PEM)"`
	KeyFile          string        `flag:"key-file" env:"CERT_KEY_FILE" description:"TLS private key for the uplink listener (PEM)"`
	FrameCapacity    int           `flag:"frame-capacity" env:"FRAME_CAPACITY" default:"128000" description:"Largest frame in bytes the relay holds"`
	TokensFile       string        `flag:"tokens-file" env:"TOKENS_FILE" default:"data/access_tokens.json" description:"Access token store"`
	ViewerAuth       bool          `flag:"viewer-auth" env:"VIEWER_AUTH" default:"false" description:"Require an access token from viewers"`
	HandshakeTimeout time.Duration `flag:"handshake-timeout" default:"5s" description:"Time an uplink has to present its credential"`
	ReadTimeout      time.Duration `flag:"read-timeout" default:"0s" description:"Drop an uplink silent for this long (0 = never)"`
	AuthRate         float64       `flag:"auth-rate" default:"1" description:"Uplink authentication attempts per second (0 = unlimited)"`
	AuthBurst        int           `flag:"auth-burst" default:"5" description:"Authentication attempts allowed in a burst"`
	LogLevel         string        `flag:"log-level" env:"LOG_LEVEL" default:"info" description:"Log level (debug, info, warn, error)"`
	LogFile          string        `flag:"log-file" env:"LOG_FILE" default:"server.log" description:"Copy log output to this file (empty = stderr only)"`
	VersionAndExit   bool          `flag:"version" default:"false" description:"Prints current version and exits"`
}

// Client configures the camera uplink.
type Client struct {
	Host        string        `flag:"host" env:"RELAY_HOST" validate:"nonzero" description:"Relay host name"`
	Port        int           `flag:"port" env:"RELAY_PORT" default:"25000" description:"Relay uplink port"`
	Token       string        `flag:"token" env:"RELAY_TOKEN" validate:"nonzero" description:"Access token issued by the relay"`
	Insecure    bool          `flag:"insecure" default:"false" description:"Skip TLS certificate verification"`
	Plain       bool          `flag:"plain" default:"false" description:"Send frames without TLS"`
	CAFile      string        `flag:"ca-file" env:"RELAY_CA_FILE" description:"CA bundle to verify the relay with"`
	Backoff     time.Duration `flag:"backoff" default:"5s" description:"Wait between reconnect attempts"`
	DialTimeout time.Duration `flag:"dial-timeout" default:"10s" description:"Timeout for connecting to the relay"`

	Source      string `flag:"source,s" default:"ffmpeg" description:"Frame source (ffmpeg, file, mjpeg)"`
	FFmpeg      string `flag:"ffmpeg" default:"ffmpeg" description:"ffmpeg binary"`
	InputFormat string `flag:"input-format" default:"v4l2" description:"ffmpeg input format of the device"`
	Device      string `flag:"device,i" default:"/dev/video0" description:"Video device to read from"`
	File        string `flag:"file" default:"/dev/shm/frame.jpg" description:"JPEG file to watch (source=file)"`
	URL         string `flag:"url" description:"Upstream MJPEG stream (source=mjpeg)"`
	Width       int    `flag:"width,w" default:"640" description:"Width of video frames"`
	Height      int    `flag:"height" default:"480" description:"Height of video frames"`
	Framerate   int    `flag:"framerate,r" default:"24" description:"Capture frame rate"`
	Quality     int    `flag:"quality,q" default:"5" description:"ffmpeg image quality (2..31)"`
	JPEGQuality int    `flag:"jpeg-quality" default:"80" description:"Re-encode quality for source=mjpeg (1..100)"`
	MaxFrame    int    `flag:"max-frame" default:"4194304" description:"Largest frame in bytes taken from the camera"`

	LogLevel       string `flag:"log-level" env:"LOG_LEVEL" default:"info" description:"Log level (debug, info, warn, error)"`
	LogFile        string `flag:"log-file" env:"LOG_FILE" default:"stream.log" description:"Copy log output to this file (empty = stderr only)"`
	Verbose        bool   `flag:"verbose,v" default:"false" description:"Show ffmpeg output"`
	VersionAndExit bool   `flag:"version" default:"false" description:"Prints current version and exits"`
}

const (
	SourceFFmpeg = "ffmpeg"
	SourceFile   = "file"
	SourceMJPEG  = "mjpeg"
)

// LoadRelay reads the relay configuration.
func LoadRelay() (*Relay, error) {
	cfg := &Relay{}
	if err := load(cfg); err != nil {
		return nil, err
	}
	if cfg.VersionAndExit {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

// LoadClient reads the uplink configuration.
func LoadClient() (*Client, error) {
	cfg := &Client{}
	if err := load(cfg); err != nil {
		return nil, err
	}
	if cfg.VersionAndExit {
		return cfg, nil
	}
	return cfg, cfg.Validate()
}

// Args returns the positional arguments left after flag parsing.
func Args() []string {
	return rconfig.Args()
}

func load(cfg any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := rconfig.ParseAndValidate(cfg); err != nil {
		return fmt.Errorf("parse commandline options: %w", err)
	}
	return nil
}

// Validate checks settings the flag parser cannot.
func (c *Relay) Validate() error {
	if c.Listen == "" || c.UplinkListen == "" {
		return errors.New("listen addresses must be set")
	}
	if c.FrameCapacity <= 0 {
		return fmt.Errorf("frame capacity %d must be positive", c.FrameCapacity)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert-file and key-file must be given together")
	}
	if c.TokensFile == "" {
		return errors.New("tokens-file must be set")
	}
	if c.AuthRate < 0 || c.AuthBurst < 0 {
		return errors.New("auth-rate and auth-burst must not be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ServerTLS returns the uplink listener's TLS config, nil when no
// certificate is configured.
func (c *Relay) ServerTLS() (*tls.Config, error) {
	if c.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Validate checks settings the flag parser cannot.
func (c *Client) Validate() error {
	if len(c.Token) != wire.DefaultCredentialSize {
		return fmt.Errorf("token must be %d characters, got %d", wire.DefaultCredentialSize, len(c.Token))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Plain && c.CAFile != "" {
		return errors.New("ca-file makes no sense with plain")
	}
	switch c.Source {
	case SourceFFmpeg:
		if c.Device == "" {
			return errors.New("source ffmpeg needs a device")
		}
		if c.Quality < 2 || c.Quality > 31 {
			return fmt.Errorf("quality %d out of range 2..31", c.Quality)
		}
	case SourceFile:
		if c.File == "" {
			return errors.New("source file needs --file")
		}
	case SourceMJPEG:
		if c.URL == "" {
			return errors.New("source mjpeg needs --url")
		}
		if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
			return fmt.Errorf("jpeg-quality %d out of range 1..100", c.JPEGQuality)
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Addr returns the relay's uplink address.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClientTLS returns the TLS config used to reach the relay, nil in plain
// mode.
func (c *Client) ClientTLS() (*tls.Config, error) {
	if c.Plain {
		return nil, nil
	}
	cfg := &tls.Config{
		ServerName:         c.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.Insecure,
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
