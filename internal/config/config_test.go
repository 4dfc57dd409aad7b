package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/capability"
	"github.com/dennisdiepolder/docqueue/backend/internal/queue"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		wantErr  bool
		validate func(*testing.T, *Config)
	}{
		{
			name:    "default values",
			envVars: map[string]string{},
			wantErr: false,
			validate: func(t *testing.T, c *Config) {
				if c.Port != "8080" {
					t.Errorf("Expected port 8080, got %s", c.Port)
				}
				if c.WSReadTimeout != 60*time.Second {
					t.Errorf("Expected read timeout 60s, got %v", c.WSReadTimeout)
				}
				if c.WSWriteTimeout != 10*time.Second {
					t.Errorf("Expected write timeout 10s, got %v", c.WSWriteTimeout)
				}
				if c.LogLevel != "info" {
					t.Errorf("Expected log level info, got %s", c.LogLevel)
				}
				if c.Queue.MaxQueueSize != 1000 {
					t.Errorf("Expected max queue size 1000, got %d", c.Queue.MaxQueueSize)
				}
				if c.Scheduler.Strategy != capability.Hybrid {
					t.Errorf("Expected hybrid strategy, got %s", c.Scheduler.Strategy)
				}
				if len(c.Services) != len(types.DefaultServiceTypes) {
					t.Errorf("Expected built-in catalog, got %d services", len(c.Services))
				}
			},
		},
		{
			name: "custom values",
			envVars: map[string]string{
				"PORT":                        "9000",
				"WS_READ_TIMEOUT":             "120",
				"WS_WRITE_TIMEOUT":            "20",
				"LOG_LEVEL":                   "debug",
				"ALLOWED_ORIGINS":             "http://a.example, http://b.example",
				"LIGHT_OPTIMIZATION_INTERVAL": "1m",
				"ASSIGNMENT_STRATEGY":         "performance_based",
				"MAX_ACTIVE_PER_AGENT":        "2",
				"SCORING_REFINEMENT":          "fairness",
			},
			wantErr: false,
			validate: func(t *testing.T, c *Config) {
				if c.Port != "9000" {
					t.Errorf("Expected port 9000, got %s", c.Port)
				}
				if c.WSReadTimeout != 120*time.Second {
					t.Errorf("Expected read timeout 120s, got %v", c.WSReadTimeout)
				}
				if c.LogLevel != "debug" {
					t.Errorf("Expected log level debug, got %s", c.LogLevel)
				}
				if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "http://b.example" {
					t.Errorf("Expected trimmed origins, got %v", c.AllowedOrigins)
				}
				if c.Scheduler.LightInterval != time.Minute {
					t.Errorf("Expected light interval 1m, got %v", c.Scheduler.LightInterval)
				}
				if c.Queue.DefaultStrategy != capability.PerformanceBased {
					t.Errorf("Expected performance_based, got %s", c.Queue.DefaultStrategy)
				}
				if c.Queue.MaxActivePerAgent != 2 {
					t.Errorf("Expected max active 2, got %d", c.Queue.MaxActivePerAgent)
				}
				if c.Priority.Refinement != "fairness" {
					t.Errorf("Expected fairness refinement, got %s", c.Priority.Refinement)
				}
			},
		},
		{
			name: "priority weights override",
			envVars: map[string]string{
				"PRIORITY_WEIGHTS": "emergency=2000, renewal=450",
			},
			validate: func(t *testing.T, c *Config) {
				if c.Priority.TierWeights[types.TierEmergency] != 2000 {
					t.Errorf("Expected emergency weight 2000, got %v", c.Priority.TierWeights[types.TierEmergency])
				}
				if c.Priority.TierWeights[types.TierRenewal] != 450 {
					t.Errorf("Expected renewal weight 450, got %v", c.Priority.TierWeights[types.TierRenewal])
				}
				if c.Priority.TierWeights[types.TierCorrection] != 100 {
					t.Errorf("Expected untouched correction weight 100, got %v", c.Priority.TierWeights[types.TierCorrection])
				}
			},
		},
		{
			name: "peak hours",
			envVars: map[string]string{
				"PEAK_HOURS": "8-11,13-16",
			},
			validate: func(t *testing.T, c *Config) {
				want := []queue.PeakWindow{{StartHour: 8, EndHour: 11}, {StartHour: 13, EndHour: 16}}
				if len(c.Queue.PeakWindows) != len(want) {
					t.Fatalf("Expected %d windows, got %v", len(want), c.Queue.PeakWindows)
				}
				for i := range want {
					if c.Queue.PeakWindows[i] != want[i] {
						t.Errorf("Window %d: expected %v, got %v", i, want[i], c.Queue.PeakWindows[i])
					}
				}
			},
		},
		{
			name: "alert thresholds in minutes",
			envVars: map[string]string{
				"LONG_WAIT_THRESHOLD_MINUTES":     "20",
				"CRITICAL_WAIT_THRESHOLD_MINUTES": "45",
			},
			validate: func(t *testing.T, c *Config) {
				if c.Alerts.LongWait != 20*time.Minute || c.Alerts.CriticalWait != 45*time.Minute {
					t.Errorf("Unexpected wait thresholds %v / %v", c.Alerts.LongWait, c.Alerts.CriticalWait)
				}
			},
		},
		{
			name: "invalid read timeout",
			envVars: map[string]string{
				"WS_READ_TIMEOUT": "invalid",
			},
			wantErr: true,
		},
		{
			name: "invalid write timeout",
			envVars: map[string]string{
				"WS_WRITE_TIMEOUT": "invalid",
			},
			wantErr: true,
		},
		{
			name: "malformed weights",
			envVars: map[string]string{
				"PRIORITY_WEIGHTS": "emergency:1000",
			},
			wantErr: true,
		},
		{
			name: "malformed peak hours",
			envVars: map[string]string{
				"PEAK_HOURS": "9to12",
			},
			wantErr: true,
		},
		{
			name: "invalid duration",
			envVars: map[string]string{
				"OPTIMIZATION_BUDGET": "thirty",
			},
			wantErr: true,
		},
		{
			name: "zero queue size fails validation",
			envVars: map[string]string{
				"MAX_QUEUE_SIZE": "0",
			},
			wantErr: true,
		},
		{
			name: "critical load below high load fails validation",
			envVars: map[string]string{
				"HIGH_LOAD_THRESHOLD":     "0.9",
				"CRITICAL_LOAD_THRESHOLD": "0.5",
			},
			wantErr: true,
		},
		{
			name: "unknown refinement fails validation",
			envVars: map[string]string{
				"SCORING_REFINEMENT": "magic",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			config, err := Load()

			if tt.wantErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if tt.validate != nil {
				tt.validate(t, config)
			}
		})
	}
}

func TestWebSocketConstants(t *testing.T) {
	os.Clearenv()
	t.Setenv("WS_READ_TIMEOUT", "60")
	t.Setenv("WS_WRITE_TIMEOUT", "10")

	config, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// PongWait should equal ReadTimeout
	if config.PongWait != config.WSReadTimeout {
		t.Errorf("PongWait (%v) should equal WSReadTimeout (%v)", config.PongWait, config.WSReadTimeout)
	}

	// PingPeriod should be 90% of PongWait
	expectedPingPeriod := (config.PongWait * 9) / 10
	if config.PingPeriod != expectedPingPeriod {
		t.Errorf("PingPeriod (%v) should be 90%% of PongWait (%v)", config.PingPeriod, expectedPingPeriod)
	}

	// PingPeriod must be less than PongWait
	if config.PingPeriod >= config.PongWait {
		t.Errorf("PingPeriod (%v) must be less than PongWait (%v)", config.PingPeriod, config.PongWait)
	}

	// WriteWait should equal WriteTimeout
	if config.WriteWait != config.WSWriteTimeout {
		t.Errorf("WriteWait (%v) should equal WSWriteTimeout (%v)", config.WriteWait, config.WSWriteTimeout)
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	t.Run("valid file", func(t *testing.T) {
		path := write("catalog.yaml", `
services:
  - code: passport_renewal
    name: Passport renewal
    tier: renewal
    expected_minutes: 12
  - code: id_emergency
    name: Emergency ID
    tier: emergency
`)
		services, err := LoadCatalog(path)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(services) != 2 {
			t.Fatalf("Expected 2 services, got %d", len(services))
		}
		if services[0].ExpectedMinutes != 12 {
			t.Errorf("Expected 12 minutes, got %d", services[0].ExpectedMinutes)
		}
		if services[1].ExpectedMinutes != 10 {
			t.Errorf("Expected default 10 minutes, got %d", services[1].ExpectedMinutes)
		}
	})

	t.Run("duplicate code", func(t *testing.T) {
		path := write("dup.yaml", `
services:
  - {code: a, tier: renewal}
  - {code: a, tier: emergency}
`)
		if _, err := LoadCatalog(path); err == nil {
			t.Error("Expected duplicate code error")
		}
	})

	t.Run("empty file", func(t *testing.T) {
		path := write("empty.yaml", "services: []\n")
		if _, err := LoadCatalog(path); err == nil {
			t.Error("Expected error for empty catalog")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadCatalog(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Error("Expected error for missing file")
		}
	})

	t.Run("wired through Load", func(t *testing.T) {
		path := write("load.yaml", `
services:
  - {code: birth_certificate, name: Birth certificate, tier: collection, expected_minutes: 4}
`)
		os.Clearenv()
		t.Setenv("SERVICE_CATALOG_FILE", path)

		config, err := Load()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(config.Services) != 1 || config.Services[0].Code != "birth_certificate" {
			t.Errorf("Expected catalog from file, got %v", config.Services)
		}
	})
}
