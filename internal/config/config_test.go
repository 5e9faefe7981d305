package config

import (
	"reflect"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.AppName != "remote-api-notifier" {
		t.Errorf("AppName = %q", cfg.AppName)
	}
	if cfg.HTTPPort != ":8082" {
		t.Errorf("HTTPPort = %q, want :8082", cfg.HTTPPort)
	}
	if cfg.MockMode {
		t.Error("MockMode = true, want false by default")
	}
	if cfg.Guard.DebounceWindow != 5*time.Second {
		t.Errorf("DebounceWindow = %v, want 5s", cfg.Guard.DebounceWindow)
	}
	if cfg.Delivery.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Delivery.MaxAttempts)
	}
	if cfg.Delivery.HTTPTimeout != 10*time.Second {
		t.Errorf("HTTPTimeout = %v, want 10s", cfg.Delivery.HTTPTimeout)
	}
	if !reflect.DeepEqual(cfg.Delivery.BackoffSchedule, defaultBackoffSchedule()) {
		t.Errorf("BackoffSchedule = %v", cfg.Delivery.BackoffSchedule)
	}
	if cfg.NSQ.EventsTopic != "notifier_events" {
		t.Errorf("EventsTopic = %q", cfg.NSQ.EventsTopic)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("NOTIFIER_MOCK_MODE", "true")
	t.Setenv("DEBOUNCE_WINDOW", "30s")
	t.Setenv("MAX_ATTEMPTS", "3")
	t.Setenv("BACKOFF_SCHEDULE", "500ms, 2s,8s")
	t.Setenv("NSQ_EVENTS_TOPIC", "custom_topic")

	cfg := FromEnv()

	if !cfg.MockMode {
		t.Error("MockMode = false, want true")
	}
	if cfg.Guard.DebounceWindow != 30*time.Second {
		t.Errorf("DebounceWindow = %v, want 30s", cfg.Guard.DebounceWindow)
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Delivery.MaxAttempts)
	}
	want := []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second}
	if !reflect.DeepEqual(cfg.Delivery.BackoffSchedule, want) {
		t.Errorf("BackoffSchedule = %v, want %v", cfg.Delivery.BackoffSchedule, want)
	}
	if cfg.NSQ.EventsTopic != "custom_topic" {
		t.Errorf("EventsTopic = %q", cfg.NSQ.EventsTopic)
	}
}

func TestParseBackoffSchedule(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		want     []time.Duration
	}{
		{
			name:     "empty falls back to defaults",
			schedule: "",
			want:     defaultBackoffSchedule(),
		},
		{
			name:     "valid schedule",
			schedule: "1s,4s,16s,1m",
			want:     []time.Duration{time.Second, 4 * time.Second, 16 * time.Second, time.Minute},
		},
		{
			name:     "whitespace tolerated",
			schedule: " 1s , 2s ",
			want:     []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:     "invalid entries skipped",
			schedule: "1s,nonsense,2s",
			want:     []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:     "all invalid falls back to defaults",
			schedule: "nonsense,garbage",
			want:     defaultBackoffSchedule(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseBackoffSchedule(tt.schedule); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseBackoffSchedule(%q) = %v, want %v", tt.schedule, got, tt.want)
			}
		})
	}
}

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_FLOAT", "0.5")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DURATION", "90s")

	if got := getenv("TEST_STR", "def"); got != "value" {
		t.Errorf("getenv = %q", got)
	}
	if got := getenv("TEST_UNSET", "def"); got != "def" {
		t.Errorf("getenv unset = %q, want default", got)
	}
	if got := getenvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getenvInt = %d", got)
	}
	if got := getenvInt("TEST_BAD_INT", 1); got != 1 {
		t.Errorf("getenvInt bad value = %d, want default", got)
	}
	if got := getenvFloat("TEST_FLOAT", 0.1); got != 0.5 {
		t.Errorf("getenvFloat = %v", got)
	}
	if got := getenvBool("TEST_BOOL", false); !got {
		t.Error("getenvBool = false")
	}
	if got := getenvDuration("TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getenvDuration = %v", got)
	}
}
