package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// QRC Bridge Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Transport   TransportConfig   `yaml:"transport"`
	Cache       CacheConfig       `yaml:"cache"`
	EventCache  EventCacheConfig  `yaml:"event_cache"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	ChangeGroup ChangeGroupConfig `yaml:"change_group"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// Credentials holds the QRC Logon username/password.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// TransportConfig configures the outbound QRC WebSocket connection (C3) and
// its reconnect/heartbeat lifecycle (C2).
type TransportConfig struct {
	Host                    string      `yaml:"host"`
	Port                    int         `yaml:"port"`
	PollingIntervalMs       int         `yaml:"polling_interval_ms"`
	ReconnectIntervalMs     int         `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts    int         `yaml:"max_reconnect_attempts"`
	ConnectionTimeoutMs     int         `yaml:"connection_timeout_ms"`
	HeartbeatIntervalMs     int         `yaml:"heartbeat_interval_ms"`
	CommandTimeoutMs        int         `yaml:"command_timeout_ms"`
	EnableAutoReconnect     bool        `yaml:"enable_auto_reconnect"`
	EnableHeartbeat         bool        `yaml:"enable_heartbeat"`
	StrictTLS               bool        `yaml:"strict_tls"`
	Credentials             Credentials `yaml:"credentials"`
}

func (c TransportConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMs) * time.Millisecond
}

func (c TransportConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}

func (c TransportConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
}

func (c TransportConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c TransportConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// CacheConfig configures the control-state cache (C6).
type CacheConfig struct {
	MaxEntries          int    `yaml:"max_entries"`
	TTLMs               int    `yaml:"ttl_ms"`
	CleanupIntervalMs   int    `yaml:"cleanup_interval_ms"`
	EnableMetrics       bool   `yaml:"enable_metrics"`
	PersistenceEnabled  bool   `yaml:"persistence_enabled"`
	PersistenceFile     string `yaml:"persistence_file"`
	DistributedRedisURL string `yaml:"distributed_redis_url"`
}

func (c CacheConfig) TTL() time.Duration { return time.Duration(c.TTLMs) * time.Millisecond }
func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

// CompressionConfig configures event-cache compression windows (C10).
type CompressionConfig struct {
	Enabled                bool    `yaml:"enabled"`
	RecentWindowMs         int     `yaml:"recent_window_ms"`
	MediumWindowMs         int     `yaml:"medium_window_ms"`
	AncientWindowMs        int     `yaml:"ancient_window_ms"`
	SignificantChangePct   float64 `yaml:"significant_change_percent"`
	MinTimeBetweenEventsMs int     `yaml:"min_time_between_events_ms"`
	CooldownPerGroupMs     int     `yaml:"cooldown_per_group_ms"`
}

// DiskSpilloverConfig configures event-cache spillover to disk (C10).
type DiskSpilloverConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Directory     string  `yaml:"directory"`
	MaxFileSizeMB int     `yaml:"max_file_size_mb"`
	MaxAgeDays    int     `yaml:"max_age_days"`
	MaxTotalMB    float64 `yaml:"max_total_mb"`
}

// EventCacheConfig configures the per-change-group event cache (C10).
type EventCacheConfig struct {
	MaxEvents           int                 `yaml:"max_events"`
	MaxAgeMs            int                 `yaml:"max_age_ms"`
	GlobalMemoryLimitMB float64             `yaml:"global_memory_limit_mb"`
	MemoryCheckInterval int                 `yaml:"memory_check_interval_ms"`
	Compression         CompressionConfig   `yaml:"compression"`
	DiskSpillover       DiskSpilloverConfig `yaml:"disk_spillover"`
}

func (c EventCacheConfig) MaxAge() time.Duration { return time.Duration(c.MaxAgeMs) * time.Millisecond }

// BreakerConfig configures the circuit breaker (C1) guarding outbound Core
// calls.
type BreakerConfig struct {
	FailureThreshold uint32 `yaml:"failure_threshold"`
	SuccessThreshold uint32 `yaml:"success_threshold"`
	TimeoutMs        int    `yaml:"timeout_ms"`
}

func (c BreakerConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

// DiscoveryConfig configures the component/control discovery cache (C5).
type DiscoveryConfig struct {
	ComponentListTTLMs int `yaml:"component_list_ttl_ms"`
	MaxControlSets     int `yaml:"max_control_sets"`
}

func (c DiscoveryConfig) ComponentListTTL() time.Duration {
	return time.Duration(c.ComponentListTTLMs) * time.Millisecond
}

// ChangeGroupConfig configures the change-group transaction engine (C9).
type ChangeGroupConfig struct {
	RollbackOnFailure       bool    `yaml:"rollback_on_failure"`
	ContinueOnError         bool    `yaml:"continue_on_error"`
	MaxConcurrentChanges    int     `yaml:"max_concurrent_changes"`
	TimeoutMs               int     `yaml:"timeout_ms"`
	ValidateBeforeExecution bool    `yaml:"validate_before_execution"`
	MaxWritesPerSecond      float64 `yaml:"max_writes_per_second"`
	GroupTTLMs              int     `yaml:"group_ttl_ms"`
}

func (c ChangeGroupConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }
func (c ChangeGroupConfig) GroupTTL() time.Duration {
	return time.Duration(c.GroupTTLMs) * time.Millisecond
}

// PersistenceConfig configures the snapshot persistence layer (C12).
type PersistenceConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Format      string `yaml:"format"` // "json" or "jsonl"
	Gzip        bool   `yaml:"gzip"`
	File        string `yaml:"file"`
	BackupCount int    `yaml:"backup_count"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Transport
	c.Transport.Host = getEnv("QRC_HOST", c.Transport.Host)
	if v := getEnvInt("QRC_PORT", 0); v > 0 {
		c.Transport.Port = v
	}
	c.Transport.Credentials.User = getEnv("QRC_USER", c.Transport.Credentials.User)
	c.Transport.Credentials.Password = getEnv("QRC_PASSWORD", c.Transport.Credentials.Password)
	c.Transport.StrictTLS = getEnvBool("QRC_STRICT_TLS", c.Transport.StrictTLS)
	if v := getEnvInt("QRC_POLLING_INTERVAL_MS", 0); v > 0 {
		c.Transport.PollingIntervalMs = v
	}
	if v := getEnvInt("QRC_RECONNECT_INTERVAL_MS", 0); v > 0 {
		c.Transport.ReconnectIntervalMs = v
	}
	if v := getEnvInt("QRC_MAX_RECONNECT_ATTEMPTS", 0); v > 0 {
		c.Transport.MaxReconnectAttempts = v
	}
	if v := getEnvInt("QRC_CONNECTION_TIMEOUT_MS", 0); v > 0 {
		c.Transport.ConnectionTimeoutMs = v
	}

	// Cache
	if v := getEnvInt("CACHE_MAX_ENTRIES", 0); v > 0 {
		c.Cache.MaxEntries = v
	}
	if v := getEnvInt("CACHE_TTL_MS", 0); v > 0 {
		c.Cache.TTLMs = v
	}
	c.Cache.DistributedRedisURL = getEnv("CACHE_REDIS_URL", c.Cache.DistributedRedisURL)
	c.Cache.PersistenceFile = getEnv("CACHE_PERSISTENCE_FILE", c.Cache.PersistenceFile)
	c.Cache.PersistenceEnabled = getEnvBool("CACHE_PERSISTENCE_ENABLED", c.Cache.PersistenceEnabled)

	// Event cache
	if v := getEnvInt("EVENT_CACHE_MAX_EVENTS", 0); v > 0 {
		c.EventCache.MaxEvents = v
	}
	if v := getEnvFloat("EVENT_CACHE_MEMORY_LIMIT_MB", 0); v > 0 {
		c.EventCache.GlobalMemoryLimitMB = v
	}
	c.EventCache.DiskSpillover.Directory = getEnv("EVENT_CACHE_SPILLOVER_DIR", c.EventCache.DiskSpillover.Directory)
	c.EventCache.DiskSpillover.Enabled = getEnvBool("EVENT_CACHE_SPILLOVER_ENABLED", c.EventCache.DiskSpillover.Enabled)

	// Breaker
	if v := getEnvInt("BREAKER_FAILURE_THRESHOLD", 0); v > 0 {
		c.Breaker.FailureThreshold = uint32(v)
	}
	if v := getEnvInt("BREAKER_SUCCESS_THRESHOLD", 0); v > 0 {
		c.Breaker.SuccessThreshold = uint32(v)
	}
	if v := getEnvInt("BREAKER_TIMEOUT_MS", 0); v > 0 {
		c.Breaker.TimeoutMs = v
	}

	// Change group
	if v := getEnvInt("CHANGE_GROUP_MAX_CONCURRENT", 0); v > 0 {
		c.ChangeGroup.MaxConcurrentChanges = v
	}
	if v := getEnvFloat("CHANGE_GROUP_MAX_WRITES_PER_SEC", 0); v > 0 {
		c.ChangeGroup.MaxWritesPerSecond = v
	}

	// Persistence
	c.Persistence.File = getEnv("PERSISTENCE_FILE", c.Persistence.File)
	c.Persistence.Format = getEnv("PERSISTENCE_FORMAT", c.Persistence.Format)
	c.Persistence.Enabled = getEnvBool("PERSISTENCE_ENABLED", c.Persistence.Enabled)
	c.Persistence.Gzip = getEnvBool("PERSISTENCE_GZIP", c.Persistence.Gzip)

	// Apply defaults for zero values
	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields,
// matching the spec's documented defaults for the transport, cache and
// breaker layers.
func (c *Config) applyDefaults() {
	if c.Transport.Port == 0 {
		c.Transport.Port = 443
	}
	if c.Transport.PollingIntervalMs == 0 {
		c.Transport.PollingIntervalMs = 350
	}
	if c.Transport.ReconnectIntervalMs == 0 {
		c.Transport.ReconnectIntervalMs = 5000
	}
	if c.Transport.MaxReconnectAttempts == 0 {
		c.Transport.MaxReconnectAttempts = 5
	}
	if c.Transport.ConnectionTimeoutMs == 0 {
		c.Transport.ConnectionTimeoutMs = 10000
	}
	if c.Transport.HeartbeatIntervalMs == 0 {
		c.Transport.HeartbeatIntervalMs = 15000
	}
	if c.Transport.CommandTimeoutMs == 0 {
		c.Transport.CommandTimeoutMs = 30000
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Cache.TTLMs == 0 {
		c.Cache.TTLMs = 3_600_000
	}
	if c.Cache.CleanupIntervalMs == 0 {
		c.Cache.CleanupIntervalMs = 60_000
	}

	if c.EventCache.MaxEvents == 0 {
		c.EventCache.MaxEvents = 1000
	}
	if c.EventCache.MaxAgeMs == 0 {
		c.EventCache.MaxAgeMs = 3_600_000
	}
	if c.EventCache.MemoryCheckInterval == 0 {
		c.EventCache.MemoryCheckInterval = 5000
	}
	if c.EventCache.Compression.RecentWindowMs == 0 {
		c.EventCache.Compression.RecentWindowMs = 60_000
	}
	if c.EventCache.Compression.MediumWindowMs == 0 {
		c.EventCache.Compression.MediumWindowMs = 300_000
	}
	if c.EventCache.Compression.AncientWindowMs == 0 {
		c.EventCache.Compression.AncientWindowMs = 900_000
	}
	if c.EventCache.Compression.SignificantChangePct == 0 {
		c.EventCache.Compression.SignificantChangePct = 10
	}
	if c.EventCache.Compression.MinTimeBetweenEventsMs == 0 {
		c.EventCache.Compression.MinTimeBetweenEventsMs = 1000
	}
	if c.EventCache.Compression.CooldownPerGroupMs == 0 {
		c.EventCache.Compression.CooldownPerGroupMs = 30_000
	}
	if c.EventCache.DiskSpillover.MaxAgeDays == 0 {
		c.EventCache.DiskSpillover.MaxAgeDays = 7
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 3
	}
	if c.Breaker.TimeoutMs == 0 {
		c.Breaker.TimeoutMs = 60_000
	}

	if c.Discovery.ComponentListTTLMs == 0 {
		c.Discovery.ComponentListTTLMs = 300_000
	}
	if c.Discovery.MaxControlSets == 0 {
		c.Discovery.MaxControlSets = 50
	}

	if c.ChangeGroup.MaxConcurrentChanges == 0 {
		c.ChangeGroup.MaxConcurrentChanges = 10
	}
	if c.ChangeGroup.TimeoutMs == 0 {
		c.ChangeGroup.TimeoutMs = 30_000
	}
	if c.ChangeGroup.GroupTTLMs == 0 {
		c.ChangeGroup.GroupTTLMs = 3_600_000
	}

	if c.Persistence.Format == "" {
		c.Persistence.Format = "json"
	}
	if c.Persistence.BackupCount == 0 {
		c.Persistence.BackupCount = 3
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

var _ = splitCSV // reserved for future CSV-valued overrides
