// Package config loads the ibkrsync YAML configuration.
package config

import (
	"time"

	"github.com/rickgao/ibkr-data/internal/api"
)

// Config is the top-level configuration.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Session    SessionConfig    `yaml:"session"`
	Storage    StorageConfig    `yaml:"storage"`
	Sync       SyncConfig       `yaml:"sync"`
	Validation ValidationConfig `yaml:"validation"`
	Poller     PollerConfig     `yaml:"poller"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// APIConfig holds gateway client settings.
type APIConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"` // Gateway ships a self-signed cert
	MaxRetryAttempts   int           `yaml:"max_retry_attempts"`
	BaseBackoffDelay   time.Duration `yaml:"base_backoff_delay"`
	MaxBackoffDelay    time.Duration `yaml:"max_backoff_delay"`
	PageSize           int           `yaml:"page_size"`

	// Endpoints overrides individual gateway resources, keyed by entity type.
	Endpoints map[string]api.Endpoint `yaml:"endpoints"`
}

// RetryPolicy builds the client retry policy.
func (c APIConfig) RetryPolicy() api.RetryPolicy {
	p := api.DefaultRetryPolicy()
	p.MaxAttempts = c.MaxRetryAttempts
	p.BaseDelay = c.BaseBackoffDelay
	p.MaxDelay = c.MaxBackoffDelay
	return p
}

// SessionConfig locates the gateway session cookie. Login itself happens
// outside ibkrsync.
type SessionConfig struct {
	Cookie     string `yaml:"cookie"`
	CookieFile string `yaml:"cookie_file"`
	CSRFToken  string `yaml:"csrf_token"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver     string   `yaml:"driver"` // sqlite or postgres
	SQLitePath string   `yaml:"sqlite_path"`
	Postgres   DBConfig `yaml:"postgres"`
}

// DBConfig holds settings for a PostgreSQL connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SyncConfig holds orchestrator settings.
type SyncConfig struct {
	OverlapSeconds    int      `yaml:"overlap_seconds"`
	SupportedCurrency string   `yaml:"supported_currency"`
	Accounts          []string `yaml:"accounts"` // Empty means every account the gateway lists
	Concurrency       int      `yaml:"concurrency"`

	// First-run windows per entity type
	ExecutionsLookback       time.Duration `yaml:"executions_lookback"`
	CashTransactionsLookback time.Duration `yaml:"cash_transactions_lookback"`
}

// Overlap returns the overlap as a duration.
func (c SyncConfig) Overlap() time.Duration {
	return time.Duration(c.OverlapSeconds) * time.Second
}

// ValidationConfig tunes the validator rules.
type ValidationConfig struct {
	ReconciliationTolerance    string        `yaml:"reconciliation_tolerance"` // Decimal, in account currency
	ClockSkew                  time.Duration `yaml:"clock_skew"`
	OutlierMultiple            float64       `yaml:"outlier_multiple"`
	OutlierMinHistory          int           `yaml:"outlier_min_history"`
	ShortEligibleAccounts      []string      `yaml:"short_eligible_accounts"`
	ShortEligibleSecurityTypes []string      `yaml:"short_eligible_security_types"`
}

// PollerConfig holds the scheduled sync settings.
type PollerConfig struct {
	Schedule string        `yaml:"schedule"` // Cron spec, e.g. "@every 15m"
	Timeout  time.Duration `yaml:"timeout"`  // Upper bound on one cycle
}

// ServerConfig holds the status HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level         string `yaml:"level"`  // debug, info, warn, error
	Format        string `yaml:"format"` // text or json
	Dir           string `yaml:"dir"`    // Daily files are written here when set
	RetentionDays int    `yaml:"retention_days"`
}
