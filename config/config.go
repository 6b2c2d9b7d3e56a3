// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials (e.g., Twitch chat), use ValidateChatReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Twitch
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchMainUsername string

	// IRC
	IRCAddr          string
	ShardSize        int
	MsgLimit         int
	MsgWindow        time.Duration
	MinMsgDelay      time.Duration
	ReconnectBackoff time.Duration
	ReconnectCap     time.Duration

	// Audio capture / transcription
	ChunkDuration       time.Duration
	SampleRate          int
	AudioQueueThreshold int
	FFmpegPath          string
	StreamlinkPath      string
	WhisperPath         string

	// Pipeline queue capacities
	AudioQueueCap int
	EventQueueCap int
	SendQueueCap  int

	// Monitor
	PollInterval time.Duration

	// Bridge
	ShutdownGrace time.Duration

	// Storage
	DataDir string
}

// Load reads environment variables and applies defaults. It doesn't fail if Twitch creds are
// missing; use ValidateChatReady() when you require the IRC path. Missing optional variables
// disable features (e.g., live polling without client id/secret).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchMainUsername = os.Getenv("TWITCH_MAIN_USERNAME")
	if cfg.TwitchMainUsername == "" {
		cfg.TwitchMainUsername = cfg.TwitchBotUsername
	}

	cfg.IRCAddr = os.Getenv("IRC_ADDR")
	if cfg.IRCAddr == "" {
		cfg.IRCAddr = "irc.chat.twitch.tv:6667"
	}
	cfg.ShardSize = envInt("SHARD_SIZE", 10)
	cfg.MsgLimit = envInt("MSG_LIMIT", 20)
	cfg.MsgWindow = envDuration("MSG_WINDOW", 30*time.Second)
	cfg.MinMsgDelay = envDuration("MIN_MSG_DELAY", 1600*time.Millisecond)
	cfg.ReconnectBackoff = envDuration("RECONNECT_BACKOFF", time.Second)
	cfg.ReconnectCap = envDuration("RECONNECT_CAP", 60*time.Second)

	cfg.ChunkDuration = envDuration("CHUNK_DURATION", 5*time.Second)
	cfg.SampleRate = envInt("SAMPLE_RATE", 16000)
	cfg.AudioQueueThreshold = envInt("AUDIO_QUEUE_THRESHOLD", 50)
	cfg.FFmpegPath = envDefault("FFMPEG_PATH", "ffmpeg")
	cfg.StreamlinkPath = envDefault("STREAMLINK_PATH", "streamlink")
	cfg.WhisperPath = envDefault("WHISPER_PATH", "whisper-cli")

	cfg.AudioQueueCap = envInt("AUDIO_QUEUE_CAP", 64)
	cfg.EventQueueCap = envInt("EVENT_QUEUE_CAP", 256)
	cfg.SendQueueCap = envInt("SEND_QUEUE_CAP", 64)

	cfg.PollInterval = envDuration("MONITOR_POLL_INTERVAL", 60*time.Second)
	cfg.ShutdownGrace = envDuration("SHUTDOWN_GRACE", 3*time.Second)

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "session_data"
	}

	if cfg.ShardSize <= 0 {
		return nil, fmt.Errorf("invalid SHARD_SIZE: must be positive, got %d", cfg.ShardSize)
	}
	if cfg.AudioQueueThreshold >= cfg.AudioQueueCap {
		// The drop threshold must leave headroom in the channel buffer, otherwise
		// producers block instead of shedding load.
		cfg.AudioQueueCap = cfg.AudioQueueThreshold + 14
	}

	return cfg, nil
}

// ValidateChatReady checks required fields when the IRC chat path is enabled.
func (c *Config) ValidateChatReady() error {
	if c.TwitchBotUsername == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

// ValidateHelixReady checks required fields for Helix API polling (live status, metadata).
func (c *Config) ValidateHelixReady() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	return nil
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
