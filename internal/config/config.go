package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServerAddress string     `json:"serverAddress"`
	DatabasePath  string     `json:"databasePath"`
	DatabaseURL   string     `json:"databaseUrl"`
	LogLevel      string     `json:"logLevel"`
	Store         Store      `json:"store"`
	Admission     Admission  `json:"admission"`
	Sync          Sync       `json:"sync"`
	Enrichment    Enrichment `json:"enrichment"`
	Anomaly       Anomaly    `json:"anomaly"`
	Security      Security   `json:"security"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// Store configuration
type Store struct {
	// RetryAttempts bounds transparent retries of conflicting transactions
	RetryAttempts int `json:"retryAttempts"`
}

// Admission configuration; applies to users without an explicit policy
type Admission struct {
	DefaultDeviceLimit *int `json:"defaultDeviceLimit"`
	DefaultEnforce     bool `json:"defaultEnforce"`
}

// Sync configuration for allow-list propagation
type Sync struct {
	Workers                  int  `json:"workers"`
	QueueSize                int  `json:"queueSize"`
	SendTimeoutMs            int  `json:"sendTimeoutMs"`
	InitialBackoffMs         int  `json:"initialBackoffMs"`
	MaxBackoffMs             int  `json:"maxBackoffMs"`
	MaxAttempts              int  `json:"maxAttempts"`
	ReconcileIntervalSeconds int  `json:"reconcileIntervalSeconds"`
	ReconcileOnStart         bool `json:"reconcileOnStart"`
}

// SendTimeout returns the per-node send timeout
func (s Sync) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutMs) * time.Millisecond
}

// InitialBackoff returns the first retry delay
func (s Sync) InitialBackoff() time.Duration {
	return time.Duration(s.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap
func (s Sync) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMs) * time.Millisecond
}

// ReconcileInterval returns the period of the reconciliation sweep
func (s Sync) ReconcileInterval() time.Duration {
	return time.Duration(s.ReconcileIntervalSeconds) * time.Second
}

// Enrichment configuration for the IP lookup service
type Enrichment struct {
	// URL is the lookup endpoint, "{ip}" is replaced by the address; empty disables enrichment
	URL             string   `json:"url"`
	TimeoutMs       int      `json:"timeoutMs"`
	CacheTTLSeconds int      `json:"cacheTtlSeconds"`
	TokenURL        string   `json:"tokenUrl"`
	ClientID        string   `json:"clientId"`
	ClientSecret    string   `json:"clientSecret"`
	Scopes          []string `json:"scopes"`
}

// Enabled reports whether an enrichment endpoint is configured
func (e Enrichment) Enabled() bool {
	return e.URL != ""
}

// Anomaly configuration for the multilogin heuristics
type Anomaly struct {
	DatacenterShare        float64 `json:"datacenterShare"`
	MaxCountries           int     `json:"maxCountries"`
	RapidIPChangeCount     int     `json:"rapidIpChangeCount"`
	MinIPsForConcentration int     `json:"minIpsForConcentration"`
	ConcentrationShare     float64 `json:"concentrationShare"`
	ActiveWindowHours      int     `json:"activeWindowHours"`
}

// Security configuration
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
	// NodeJWTSecret signs node session tokens
	NodeJWTSecret      string `json:"nodeJwtSecret"`
	NodeSessionMinutes int    `json:"nodeSessionMinutes"`
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":5000",
		DatabasePath:  "deviceguard.db",
		LogLevel:      "info",
		Store: Store{
			RetryAttempts: 5,
		},
		Admission: Admission{
			DefaultEnforce: true,
		},
		Sync: Sync{
			Workers:                  4,
			QueueSize:                1024,
			SendTimeoutMs:            5000,
			InitialBackoffMs:         500,
			MaxBackoffMs:             30000,
			MaxAttempts:              8,
			ReconcileIntervalSeconds: 300,
			ReconcileOnStart:         true,
		},
		Enrichment: Enrichment{
			TimeoutMs:       2000,
			CacheTTLSeconds: 3600,
		},
		Anomaly: Anomaly{
			DatacenterShare:        0.5,
			MaxCountries:           5,
			RapidIPChangeCount:     20,
			MinIPsForConcentration: 3,
			ConcentrationShare:     0.9,
			ActiveWindowHours:      24,
		},
		Security: Security{
			APIKey:             "CHANGE_THIS_TO_A_SECURE_API_KEY_AT_LEAST_32_CHARS",
			APIKeyHeader:       "X-API-Key",
			NodeJWTSecret:      "CHANGE_THIS_TO_A_SECURE_NODE_SIGNING_SECRET",
			NodeSessionMinutes: 60,
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}
	if secret := os.Getenv("NODE_JWT_SECRET"); secret != "" {
		cfg.Security.NodeJWTSecret = secret
	}

	// Admission defaults
	if limit := os.Getenv("DEFAULT_DEVICE_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			cfg.Admission.DefaultDeviceLimit = &n
		}
	}
	if enforce := os.Getenv("ENFORCE_DEVICE_LIMITS"); enforce != "" {
		cfg.Admission.DefaultEnforce = parseBool(enforce)
	}

	// Sync configuration
	overrideInt("SYNC_WORKERS", &cfg.Sync.Workers)
	overrideInt("SYNC_SEND_TIMEOUT_MS", &cfg.Sync.SendTimeoutMs)
	overrideInt("SYNC_MAX_ATTEMPTS", &cfg.Sync.MaxAttempts)
	overrideInt("SYNC_RECONCILE_INTERVAL_SECONDS", &cfg.Sync.ReconcileIntervalSeconds)

	// Enrichment configuration
	if url := os.Getenv("ENRICHMENT_URL"); url != "" {
		cfg.Enrichment.URL = url
	}
	if tokenURL := os.Getenv("ENRICHMENT_TOKEN_URL"); tokenURL != "" {
		cfg.Enrichment.TokenURL = tokenURL
	}
	if id := os.Getenv("ENRICHMENT_CLIENT_ID"); id != "" {
		cfg.Enrichment.ClientID = id
	}
	if secret := os.Getenv("ENRICHMENT_CLIENT_SECRET"); secret != "" {
		cfg.Enrichment.ClientSecret = secret
	}

	// Anomaly configuration
	overrideInt("ANOMALY_MAX_COUNTRIES", &cfg.Anomaly.MaxCountries)
	overrideInt("ANOMALY_RAPID_IP_CHANGE_COUNT", &cfg.Anomaly.RapidIPChangeCount)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks bounds and required settings
func (c *Config) Validate() error {
	var errs []error
	if c.ServerAddress == "" {
		errs = append(errs, errors.New("serverAddress is required"))
	}
	if !c.UsePostgres() && c.DatabasePath == "" {
		errs = append(errs, errors.New("databasePath or databaseUrl is required"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logLevel %q must be debug, info, warn or error", c.LogLevel))
	}
	if c.Store.RetryAttempts < 1 {
		errs = append(errs, errors.New("store.retryAttempts must be at least 1"))
	}
	if c.Admission.DefaultDeviceLimit != nil && *c.Admission.DefaultDeviceLimit < 0 {
		errs = append(errs, errors.New("admission.defaultDeviceLimit must be zero or positive"))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, errors.New("sync.workers must be at least 1"))
	}
	if c.Sync.QueueSize < 1 {
		errs = append(errs, errors.New("sync.queueSize must be at least 1"))
	}
	if c.Sync.SendTimeoutMs <= 0 {
		errs = append(errs, errors.New("sync.sendTimeoutMs must be positive"))
	}
	if c.Sync.InitialBackoffMs <= 0 || c.Sync.MaxBackoffMs < c.Sync.InitialBackoffMs {
		errs = append(errs, errors.New("sync backoff must satisfy 0 < initialBackoffMs <= maxBackoffMs"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, errors.New("sync.maxAttempts must be at least 1"))
	}
	if c.Sync.ReconcileIntervalSeconds <= 0 {
		errs = append(errs, errors.New("sync.reconcileIntervalSeconds must be positive"))
	}
	if c.Enrichment.Enabled() && !strings.Contains(c.Enrichment.URL, "{ip}") {
		errs = append(errs, errors.New("enrichment.url must contain the {ip} placeholder"))
	}
	if c.Anomaly.DatacenterShare <= 0 || c.Anomaly.DatacenterShare > 1 {
		errs = append(errs, errors.New("anomaly.datacenterShare must be in (0, 1]"))
	}
	if c.Anomaly.ConcentrationShare <= 0 || c.Anomaly.ConcentrationShare > 1 {
		errs = append(errs, errors.New("anomaly.concentrationShare must be in (0, 1]"))
	}
	if c.Security.APIKey == "" || c.Security.APIKeyHeader == "" {
		errs = append(errs, errors.New("security.apiKey and security.apiKeyHeader are required"))
	}
	if len(c.Security.NodeJWTSecret) < 16 {
		errs = append(errs, errors.New("security.nodeJwtSecret must be at least 16 characters"))
	}
	if c.Security.NodeSessionMinutes <= 0 {
		errs = append(errs, errors.New("security.nodeSessionMinutes must be positive"))
	}
	return errors.Join(errs...)
}

func overrideInt(env string, target *int) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}
