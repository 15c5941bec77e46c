package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the env-driven settings for both the client facade and the
// reference server. Unset keys fall back to local-development defaults.
type Config struct {
	// Client side.
	WSURLs        []string      // candidate websocket URLs, tried in order
	APIBase       string        // base URL of the HTTP collaborators
	DialTimeout   time.Duration // per-candidate connection timeout
	ReconnectBase time.Duration // linear backoff base delay
	ReconnectMax  int           // attempts before giving up
	PresenceSync  time.Duration // full presence re-sync interval
	TypingIdle    time.Duration // inactivity before stop_typing

	// Server side.
	Addr        string
	MetricsAddr string
	PostgresDSN string // empty means in-memory message store
	RedisAddr   string // empty disables the cross-node bus
	OutBuffer   int    // per-connection outgoing buffer
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func Load() *Config {
	urls := strings.Split(getEnv("CHATWIRE_WS_URLS", "ws://localhost:8080/ws"), ",")
	for i := range urls {
		urls[i] = strings.TrimSpace(urls[i])
	}
	return &Config{
		WSURLs:        urls,
		APIBase:       getEnv("CHATWIRE_API_BASE", "http://localhost:8080"),
		DialTimeout:   getDuration("CHATWIRE_DIAL_TIMEOUT", 5*time.Second),
		ReconnectBase: getDuration("CHATWIRE_RECONNECT_BASE", time.Second),
		ReconnectMax:  getInt("CHATWIRE_RECONNECT_MAX", 5),
		PresenceSync:  getDuration("CHATWIRE_PRESENCE_SYNC", 30*time.Second),
		TypingIdle:    getDuration("CHATWIRE_TYPING_IDLE", time.Second),

		Addr:        getEnv("CHATWIRE_ADDR", ":8080"),
		MetricsAddr: getEnv("CHATWIRE_METRICS_ADDR", ""),
		PostgresDSN: getEnv("CHATWIRE_PG_DSN", ""),
		RedisAddr:   getEnv("CHATWIRE_REDIS_ADDR", ""),
		OutBuffer:   getInt("CHATWIRE_OUTBUF", 256),
	}
}
