package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/galaxy-iot/extender/pipeline"
	"github.com/galaxy-iot/extender/rtsp"
	"github.com/sirupsen/logrus"
)

var ErrNoURL = errors.New("config: no stream url given")

// Config holds the extender client configuration
type Config struct {
	URL            string
	Transport      rtsp.Transport
	Video          bool
	Audio          bool
	Timeout        time.Duration
	RequestTimeout time.Duration
	UserAgent      string
	FFmpegPath     string
	FFplayPath     string
	LogLevel       logrus.Level
}

// Load reads the command line flags in args, then applies environment
// overrides. The stream url may also be given as the first positional
// argument.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	var transport, logLevel string

	fs := flag.NewFlagSet("extender", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.URL, "url", "", "Stream url, rtsp://[user:pass@]host[:port]/path")
	fs.StringVar(&transport, "transport", "tcp", "Media transport, tcp (interleaved) or udp")
	fs.BoolVar(&cfg.Video, "video", false, "Receive video (both streams when neither -video nor -audio is set)")
	fs.BoolVar(&cfg.Audio, "audio", false, "Receive audio")
	fs.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Dial and write timeout")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", 10*time.Second, "Time a request may stay unanswered")
	fs.StringVar(&cfg.UserAgent, "user-agent", rtsp.DefaultUserAgent, "User-Agent header")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", pipeline.DefaultFFmpegPath, "Muxing stage executable")
	fs.StringVar(&cfg.FFplayPath, "ffplay", pipeline.DefaultFFplayPath, "Playback stage executable")
	fs.StringVar(&logLevel, "loglevel", "info", "Log level")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.URL == "" && fs.NArg() > 0 {
		cfg.URL = fs.Arg(0)
	}

	// Environment overrides
	if v := os.Getenv("EXTENDER_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("EXTENDER_TRANSPORT"); v != "" {
		transport = v
	}
	if v := os.Getenv("EXTENDER_VIDEO"); v != "" {
		cfg.Video, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("EXTENDER_AUDIO"); v != "" {
		cfg.Audio, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("EXTENDER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: EXTENDER_TIMEOUT: %w", err)
		}
		cfg.Timeout = d
	}
	if v := os.Getenv("EXTENDER_USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}
	if v := os.Getenv("EXTENDER_FFMPEG"); v != "" {
		cfg.FFmpegPath = v
	}
	if v := os.Getenv("EXTENDER_FFPLAY"); v != "" {
		cfg.FFplayPath = v
	}
	if v := os.Getenv("EXTENDER_LOGLEVEL"); v != "" {
		logLevel = v
	}

	if cfg.URL == "" {
		return nil, ErrNoURL
	}

	var err error
	if cfg.Transport, err = rtsp.ParseTransport(transport); err != nil {
		return nil, err
	}

	if cfg.LogLevel, err = logrus.ParseLevel(logLevel); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// ClientConfig returns the session settings of c.
func (c *Config) ClientConfig() rtsp.Config {
	return rtsp.Config{
		URL:            c.URL,
		Transport:      c.Transport,
		Timeout:        c.Timeout,
		RequestTimeout: c.RequestTimeout,
		UserAgent:      c.UserAgent,
		Video:          c.Video,
		Audio:          c.Audio,
	}
}

// PipelineConfig returns the pipeline settings of c.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		FFmpegPath: c.FFmpegPath,
		FFplayPath: c.FFplayPath,
	}
}
