package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/alerts"
	"github.com/dennisdiepolder/docqueue/backend/internal/auth"
	"github.com/dennisdiepolder/docqueue/backend/internal/capability"
	"github.com/dennisdiepolder/docqueue/backend/internal/priority"
	"github.com/dennisdiepolder/docqueue/backend/internal/queue"
	"github.com/dennisdiepolder/docqueue/backend/internal/realtime"
	"github.com/dennisdiepolder/docqueue/backend/internal/scheduler"
	"github.com/dennisdiepolder/docqueue/backend/internal/storage"
	"github.com/dennisdiepolder/docqueue/backend/internal/txn"
	"github.com/dennisdiepolder/docqueue/backend/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string   `validate:"required,numeric"`
	AllowedOrigins []string `validate:"min=1"`
	LogLevel       string   `validate:"oneof=trace debug info warn error"`

	WSReadTimeout  time.Duration `validate:"gt=0"`
	WSWriteTimeout time.Duration `validate:"gt=0"`
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBufferSize int `validate:"gte=1"`

	HeartbeatInterval time.Duration `validate:"gt=0"`
	MetricsInterval   time.Duration `validate:"gt=0"`
	SnapshotTTL       time.Duration `validate:"gt=0"`
	AvgServiceMinutes float64       `validate:"gt=0"`

	RedisURL     string
	RedisChannel string

	CatalogFile string
	Services    []types.ServiceType `validate:"min=1"`

	Priority   priority.Config
	Capability capability.Config
	Scheduler  scheduler.Config
	Sync       realtime.Config
	Txn        txn.Config
	Queue      queue.Config
	Alerts     alerts.Thresholds
	Auth       auth.Config
	Store      storage.StoreConfig
	Dynamo     storage.DynamoConfig
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RedisURL:       os.Getenv("REDIS_URL"),
		RedisChannel:   getEnv("REDIS_EVENT_CHANNEL", "docqueue:events"),
		CatalogFile:    os.Getenv("SERVICE_CATALOG_FILE"),
		Store:          storage.LoadStoreConfig(),
		Dynamo:         storage.LoadDynamoConfig(),
		Auth: auth.Config{
			SkipAuth:        getEnv("SKIP_AUTH", "false") == "true",
			Env:             os.Getenv("ENV"),
			VerifySignature: getEnv("VERIFY_JWT_SIGNATURE", "false") == "true",
			OIDCIssuer:      os.Getenv("OIDC_ISSUER"),
		},
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 4096

	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	p := &parser{}

	config.SendBufferSize = p.int("WS_SEND_BUFFER", 256)
	config.HeartbeatInterval = p.duration("HEARTBEAT_INTERVAL", 15*time.Second)
	config.MetricsInterval = p.duration("METRICS_COLLECTION_INTERVAL", time.Minute)
	config.SnapshotTTL = p.duration("SNAPSHOT_TTL", 5*time.Second)
	config.AvgServiceMinutes = p.float("AVG_SERVICE_MINUTES", 5)

	config.Priority = priority.DefaultConfig()
	config.Priority.TierWeights = p.weights("PRIORITY_WEIGHTS", config.Priority.TierWeights)
	config.Priority.DefaultWeight = p.float("PRIORITY_DEFAULT_WEIGHT", config.Priority.DefaultWeight)
	config.Priority.WaitRate = p.float("PRIORITY_WAIT_RATE", config.Priority.WaitRate)
	config.Priority.WaitCap = p.float("PRIORITY_WAIT_CAP", config.Priority.WaitCap)
	config.Priority.ElderlyBonus = p.float("BONUS_ELDERLY", config.Priority.ElderlyBonus)
	config.Priority.DisabilityBonus = p.float("BONUS_DISABILITY", config.Priority.DisabilityBonus)
	config.Priority.PregnancyBonus = p.float("BONUS_PREGNANCY", config.Priority.PregnancyBonus)
	config.Priority.AppointmentBonus = p.float("BONUS_APPOINTMENT", config.Priority.AppointmentBonus)
	config.Priority.Refinement = getEnv("SCORING_REFINEMENT", config.Priority.Refinement)
	config.Priority.PeakMultiplier = p.float("PEAK_MULTIPLIER", config.Priority.PeakMultiplier)
	config.Priority.LoadMultiplier = p.float("LOAD_MULTIPLIER", config.Priority.LoadMultiplier)

	config.Capability = capability.DefaultConfig()
	config.Capability.FatigueThreshold = p.duration("FATIGUE_THRESHOLD", config.Capability.FatigueThreshold)
	config.Capability.RampUpThreshold = p.duration("RAMP_UP_THRESHOLD", config.Capability.RampUpThreshold)
	config.Capability.PerformanceWindow = p.duration("PERFORMANCE_WINDOW", config.Capability.PerformanceWindow)
	config.Capability.CacheTTL = p.duration("PERFORMANCE_CACHE_TTL", config.Capability.CacheTTL)

	config.Scheduler = scheduler.DefaultConfig()
	config.Scheduler.LightInterval = p.duration("LIGHT_OPTIMIZATION_INTERVAL", config.Scheduler.LightInterval)
	config.Scheduler.FullInterval = p.duration("FULL_OPTIMIZATION_INTERVAL", config.Scheduler.FullInterval)
	config.Scheduler.Threshold = p.float("SIGNIFICANT_CHANGE_THRESHOLD", config.Scheduler.Threshold)
	config.Scheduler.BatchSize = p.int("OPTIMIZATION_BATCH_SIZE", config.Scheduler.BatchSize)
	config.Scheduler.Budget = p.duration("OPTIMIZATION_BUDGET", config.Scheduler.Budget)
	config.Scheduler.RebalanceAge = p.duration("REBALANCE_AGE", config.Scheduler.RebalanceAge)
	config.Scheduler.Strategy = capability.ParseStrategy(getEnv("ASSIGNMENT_STRATEGY", string(config.Scheduler.Strategy)))
	config.Scheduler.CleanupInterval = p.duration("CLEANUP_INTERVAL", config.Scheduler.CleanupInterval)
	config.Scheduler.Retention = p.duration("TICKET_RETENTION", config.Scheduler.Retention)

	config.Sync = realtime.DefaultConfig()
	config.Sync.LockTimeout = p.duration("LOCK_TIMEOUT", config.Sync.LockTimeout)
	config.Sync.RingSize = p.int("EVENT_RING_SIZE", config.Sync.RingSize)
	config.Sync.Retention = p.duration("EVENT_RETENTION", config.Sync.Retention)
	config.Sync.AckTimeout = p.duration("ACK_TIMEOUT", config.Sync.AckTimeout)

	config.Txn = txn.DefaultConfig()
	config.Txn.MaxRetries = p.int("TXN_MAX_RETRIES", config.Txn.MaxRetries)
	config.Txn.BaseBackoff = p.duration("TXN_BASE_BACKOFF", config.Txn.BaseBackoff)
	config.Txn.MaxBackoff = p.duration("TXN_MAX_BACKOFF", config.Txn.MaxBackoff)
	config.Txn.AttemptTimeout = p.duration("TXN_ATTEMPT_TIMEOUT", config.Txn.AttemptTimeout)

	config.Queue = queue.DefaultConfig()
	config.Queue.MaxQueueSize = p.int("MAX_QUEUE_SIZE", config.Queue.MaxQueueSize)
	config.Queue.MaxActivePerAgent = p.int("MAX_ACTIVE_PER_AGENT", config.Queue.MaxActivePerAgent)
	config.Queue.DefaultStrategy = config.Scheduler.Strategy
	config.Queue.PeakWindows = p.peakWindows("PEAK_HOURS", config.Queue.PeakWindows)

	config.Alerts = alerts.DefaultThresholds()
	config.Alerts.LongWait = time.Duration(p.int("LONG_WAIT_THRESHOLD_MINUTES", 30)) * time.Minute
	config.Alerts.CriticalWait = time.Duration(p.int("CRITICAL_WAIT_THRESHOLD_MINUTES", 60)) * time.Minute
	config.Alerts.HighLoad = p.float("HIGH_LOAD_THRESHOLD", config.Alerts.HighLoad)
	config.Alerts.CriticalLoad = p.float("CRITICAL_LOAD_THRESHOLD", config.Alerts.CriticalLoad)

	if p.err != nil {
		return nil, p.err
	}

	config.Services = types.DefaultServiceTypes
	if config.CatalogFile != "" {
		services, err := LoadCatalog(config.CatalogFile)
		if err != nil {
			return nil, err
		}
		config.Services = services
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser reads typed values and keeps the first error
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) int(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

// duration accepts Go duration strings such as "5m" or "100ms"
func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

// weights parses "tier=weight,..." and overrides the matching defaults
func (p *parser) weights(key string, defaults map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(defaults))
	for tier, w := range defaults {
		out[tier] = w
	}

	raw := os.Getenv(key)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		tier, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			p.fail(key, fmt.Errorf("expected tier=weight, got %q", pair))
			return defaults
		}
		w, err := strconv.ParseFloat(value, 64)
		if err != nil {
			p.fail(key, err)
			return defaults
		}
		out[strings.TrimSpace(tier)] = w
	}
	return out
}

// peakWindows parses "9-12,14-17"
func (p *parser) peakWindows(key string, def []queue.PeakWindow) []queue.PeakWindow {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}

	var out []queue.PeakWindow
	for _, span := range strings.Split(raw, ",") {
		from, to, ok := strings.Cut(strings.TrimSpace(span), "-")
		if !ok {
			p.fail(key, fmt.Errorf("expected start-end, got %q", span))
			return def
		}
		start, err := strconv.Atoi(from)
		if err != nil {
			p.fail(key, err)
			return def
		}
		end, err := strconv.Atoi(to)
		if err != nil {
			p.fail(key, err)
			return def
		}
		out = append(out, queue.PeakWindow{StartHour: start, EndHour: end})
	}
	return out
}
