package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/money"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.API.MaxRetryAttempts < 1 {
		return errors.New("api.max_retry_attempts must be >= 1")
	}
	if c.API.BaseBackoffDelay <= 0 {
		return errors.New("api.base_backoff_delay must be > 0")
	}
	if c.API.MaxBackoffDelay < c.API.BaseBackoffDelay {
		return fmt.Errorf("api.max_backoff_delay (%s) cannot be below base_backoff_delay (%s)",
			c.API.MaxBackoffDelay, c.API.BaseBackoffDelay)
	}
	if c.API.PageSize < 1 {
		return errors.New("api.page_size must be >= 1")
	}
	for name, ep := range c.API.Endpoints {
		if _, err := model.ParseEntityType(name); err != nil {
			return fmt.Errorf("api.endpoints: %w", err)
		}
		if ep.Path == "" {
			return fmt.Errorf("api.endpoints.%s.path is required", name)
		}
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required")
		}
	case DriverPostgres:
		if err := c.Storage.Postgres.validate("storage.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Storage.Driver)
	}

	if c.Sync.OverlapSeconds < 0 {
		return errors.New("sync.overlap_seconds must be >= 0")
	}
	if _, err := money.NewConverter(c.Sync.SupportedCurrency); err != nil {
		return fmt.Errorf("sync.supported_currency: %w", err)
	}
	if c.Sync.Concurrency < 1 {
		return errors.New("sync.concurrency must be >= 1")
	}

	tol, err := decimal.NewFromString(c.Validation.ReconciliationTolerance)
	if err != nil {
		return fmt.Errorf("validation.reconciliation_tolerance: %w", err)
	}
	if tol.IsNegative() {
		return errors.New("validation.reconciliation_tolerance must be >= 0")
	}
	if c.Validation.OutlierMultiple <= 0 {
		return errors.New("validation.outlier_multiple must be > 0")
	}
	for _, st := range c.Validation.ShortEligibleSecurityTypes {
		switch model.SecurityType(strings.ToLower(st)) {
		case model.SecurityEquity, model.SecurityOption, model.SecurityFuture, model.SecurityFX, model.SecurityOther:
		default:
			return fmt.Errorf("validation.short_eligible_security_types: unknown type %q", st)
		}
	}

	if _, err := cron.ParseStandard(c.Poller.Schedule); err != nil {
		return fmt.Errorf("poller.schedule: %w", err)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// ToleranceScaled returns the reconciliation tolerance as a scaled integer.
func (c ValidationConfig) ToleranceScaled() (int64, error) {
	d, err := decimal.NewFromString(c.ReconciliationTolerance)
	if err != nil {
		return 0, fmt.Errorf("reconciliation tolerance: %w", err)
	}
	return money.ScaleDecimal(d)
}
