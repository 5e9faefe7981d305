package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Delivery struct {
	MaxAttempts     int             // Maximum delivery attempts per event
	BackoffSchedule []time.Duration // Delay before each retry
	JitterPercent   float64         // Backoff jitter percentage (0.0-1.0)
	HTTPTimeout     time.Duration   // Per-attempt timeout for outbound calls
	Concurrency     int             // Worker pool size
	PublishDeadLetters bool         // Publish exhausted deliveries to the NSQ dead-letter topic
}

type Guard struct {
	DebounceWindow time.Duration // Suppression window read against the timing field
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // topic carrying dispatch events in distributed mode
	DeadLetterTopic string
	WorkerChannel  string
}

type Directory struct {
	BaseURL string        // user directory base URL
	Timeout time.Duration // lookup timeout
}

type Config struct {
	AppName   string
	HTTPPort  string // worker health/metrics port
	MockMode  bool   // record would-be deliveries instead of sending
	Guard     Guard
	Delivery  Delivery
	NSQ       NSQ
	Directory Directory
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func defaultBackoffSchedule() []time.Duration {
	return []time.Duration{time.Second, 4 * time.Second, 16 * time.Second, time.Minute}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoffSchedule()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return defaultBackoffSchedule()
	}
	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "remote-api-notifier"),
		HTTPPort: ":" + getenv("NOTIFIER_HTTP_PORT", "8082"),
		MockMode: getenvBool("NOTIFIER_MOCK_MODE", false),
		Guard: Guard{
			DebounceWindow: getenvDuration("DEBOUNCE_WINDOW", 5*time.Second),
		},
		Delivery: Delivery{
			MaxAttempts:        getenvInt("MAX_ATTEMPTS", 5),
			BackoffSchedule:    parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:      getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			HTTPTimeout:        getenvDuration("DELIVERY_HTTP_TIMEOUT", 10*time.Second),
			Concurrency:        getenvInt("DELIVERY_CONCURRENCY", 4),
			PublishDeadLetters: getenvBool("PUBLISH_DEAD_LETTERS", false),
		},
		NSQ: NSQ{
			NsqdTCPAddr:     getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:  getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:     getenv("NSQ_EVENTS_TOPIC", "notifier_events"),
			DeadLetterTopic: getenv("NSQ_DLQ_TOPIC", "notifier_events_dlq"),
			WorkerChannel:   getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Directory: Directory{
			BaseURL: getenv("USER_DIRECTORY_URL", "http://localhost:5000"),
			Timeout: getenvDuration("USER_DIRECTORY_TIMEOUT", 5*time.Second),
		},
	}
}
