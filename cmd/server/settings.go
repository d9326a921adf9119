package main

import (
	"time"

	"hls-restreamer/internal/orchestrator"
	"hls-restreamer/internal/pipeline"
	"hls-restreamer/internal/platform/config"

	"github.com/spf13/pflag"
)

const defaultPlaylistRetry = 60 * time.Second

// settings is the resolved runtime configuration: environment first, then
// any flag given on the command line.
type settings struct {
	Port           string
	PlaylistSource string
	Quality        string
	OutputDir      string
	StaticDir      string
	StateFile      string
	RetrievalBin   string
	RetrievalArgs  []string
	CookiesFile    string
	SegmenterBin   string
	SegmenterArgs  []string
	MaxRetries     int
	GracePeriod    time.Duration
	PollInterval   time.Duration
	StartupTimeout time.Duration
	RetryDelay     time.Duration
	PlaylistRetry  time.Duration
	RejectWhenBusy bool
	CommandRate    int
	LogLevel       string
	LogFormat      string
}

func loadSettings(flags *pflag.FlagSet) settings {
	s := settings{
		Port:           config.GetEnv("PORT", "8080"),
		PlaylistSource: config.GetEnv("PLAYLIST_SOURCE", ""),
		Quality:        config.GetEnv("QUALITY", pipeline.DefaultQuality),
		OutputDir:      config.GetEnv("OUTPUT_DIR", "./hls"),
		StaticDir:      config.GetEnv("STATIC_DIR", "./static"),
		StateFile:      config.GetEnv("STATE_FILE", ""),
		RetrievalBin:   config.GetEnv("RETRIEVAL_BIN", "yt-dlp"),
		RetrievalArgs:  config.GetEnvList("RETRIEVAL_ARGS"),
		CookiesFile:    config.GetEnv("COOKIES_FILE", ""),
		SegmenterBin:   config.GetEnv("SEGMENTER_BIN", "ffmpeg"),
		SegmenterArgs:  config.GetEnvList("SEGMENTER_ARGS"),
		MaxRetries:     config.GetEnvInt("MAX_RETRIES", orchestrator.DefaultMaxRetries),
		GracePeriod:    config.GetEnvDuration("GRACE_PERIOD", pipeline.DefaultGracePeriod),
		PollInterval:   config.GetEnvDuration("POLL_INTERVAL", orchestrator.DefaultPollInterval),
		StartupTimeout: config.GetEnvDuration("STARTUP_TIMEOUT", orchestrator.DefaultStartupTimeout),
		RetryDelay:     config.GetEnvDuration("RETRY_DELAY", orchestrator.DefaultRetryDelay),
		PlaylistRetry:  config.GetEnvDuration("PLAYLIST_RETRY_INTERVAL", defaultPlaylistRetry),
		RejectWhenBusy: config.GetEnvBool("REJECT_WHILE_BUSY", false),
		CommandRate:    config.GetEnvInt("CONTROL_RATE", 5),
		LogLevel:       config.GetEnv("LOG_LEVEL", "info"),
		LogFormat:      config.GetEnv("LOG_FORMAT", "json"),
	}

	// Zero disables the retry delay only; a zero playlist retry would spin.
	if s.PlaylistRetry <= 0 {
		s.PlaylistRetry = defaultPlaylistRetry
	}

	override := func(name string, dst *string) {
		if flags == nil || !flags.Changed(name) {
			return
		}
		if v, err := flags.GetString(name); err == nil {
			*dst = v
		}
	}
	override("port", &s.Port)
	override("playlist", &s.PlaylistSource)
	override("quality", &s.Quality)
	override("output-dir", &s.OutputDir)
	override("log-level", &s.LogLevel)
	return s
}
