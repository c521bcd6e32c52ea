package config

import (
	"time"

	"github.com/rickgao/ibkr-data/internal/api"
)

// Default values for optional configuration fields.
const (
	DefaultAPITimeout               = 30 * time.Second
	DefaultMaxRetryAttempts         = 5
	DefaultBaseBackoffDelay         = 1 * time.Second
	DefaultMaxBackoffDelay          = 60 * time.Second
	DefaultDriver                   = DriverSQLite
	DefaultSQLitePath               = "data/ibkr.db"
	DefaultDBPort                   = 5432
	DefaultDBSSLMode                = "prefer"
	DefaultMaxConns                 = 10
	DefaultMinConns                 = 2
	DefaultOverlapSeconds           = 3600
	DefaultSupportedCurrency        = "USD"
	DefaultSyncConcurrency          = 4
	DefaultExecutionsLookback       = 7 * 24 * time.Hour
	DefaultCashTransactionsLookback = 90 * 24 * time.Hour
	DefaultReconciliationTolerance  = "1.00"
	DefaultClockSkew                = 5 * time.Minute
	DefaultOutlierMultiple          = 4.0
	DefaultOutlierMinHistory        = 5
	DefaultPollSchedule             = "@every 15m"
	DefaultPollTimeout              = 10 * time.Minute
	DefaultServerAddr               = "127.0.0.1:8080"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
	DefaultLogRetentionDays         = 14
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	// API defaults
	if c.API.BaseURL == "" {
		c.API.BaseURL = api.DefaultBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetryAttempts == 0 {
		c.API.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.API.BaseBackoffDelay == 0 {
		c.API.BaseBackoffDelay = DefaultBaseBackoffDelay
	}
	if c.API.MaxBackoffDelay == 0 {
		c.API.MaxBackoffDelay = DefaultMaxBackoffDelay
	}
	if c.API.PageSize == 0 {
		c.API.PageSize = api.DefaultPageSize
	}

	// Storage defaults
	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultDriver
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = DefaultSQLitePath
	}
	applyDBDefaults(&c.Storage.Postgres)

	// Sync defaults
	if c.Sync.OverlapSeconds == 0 {
		c.Sync.OverlapSeconds = DefaultOverlapSeconds
	}
	if c.Sync.SupportedCurrency == "" {
		c.Sync.SupportedCurrency = DefaultSupportedCurrency
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = DefaultSyncConcurrency
	}
	if c.Sync.ExecutionsLookback == 0 {
		c.Sync.ExecutionsLookback = DefaultExecutionsLookback
	}
	if c.Sync.CashTransactionsLookback == 0 {
		c.Sync.CashTransactionsLookback = DefaultCashTransactionsLookback
	}

	// Validation defaults
	if c.Validation.ReconciliationTolerance == "" {
		c.Validation.ReconciliationTolerance = DefaultReconciliationTolerance
	}
	if c.Validation.ClockSkew == 0 {
		c.Validation.ClockSkew = DefaultClockSkew
	}
	if c.Validation.OutlierMultiple == 0 {
		c.Validation.OutlierMultiple = DefaultOutlierMultiple
	}
	if c.Validation.OutlierMinHistory == 0 {
		c.Validation.OutlierMinHistory = DefaultOutlierMinHistory
	}
	if c.Validation.ShortEligibleSecurityTypes == nil {
		c.Validation.ShortEligibleSecurityTypes = []string{"option", "future", "fx"}
	}

	// Poller defaults
	if c.Poller.Schedule == "" {
		c.Poller.Schedule = DefaultPollSchedule
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Log.RetentionDays == 0 {
		c.Log.RetentionDays = DefaultLogRetentionDays
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
