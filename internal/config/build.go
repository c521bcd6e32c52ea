package config

import (
	"strings"

	"github.com/rickgao/ibkr-data/internal/api"
	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/validate"
)

// EndpointMap returns the default gateway endpoints with configured
// overrides applied. Empty override fields keep the default.
func (c APIConfig) EndpointMap() (map[model.EntityType]api.Endpoint, error) {
	eps := api.DefaultEndpoints()
	for name, o := range c.Endpoints {
		entity, err := model.ParseEntityType(name)
		if err != nil {
			return nil, err
		}
		ep := eps[entity]
		if o.Name != "" {
			ep.Name = o.Name
		}
		if o.Method != "" {
			ep.Method = strings.ToUpper(o.Method)
		}
		if o.Path != "" {
			ep.Path = o.Path
		}
		if o.Envelope != "" {
			ep.Envelope = o.Envelope
		}
		ep.Paged = ep.Paged || o.Paged
		eps[entity] = ep
	}
	return eps, nil
}

// ValidatorConfig builds the validator thresholds.
func (c *Config) ValidatorConfig() (validate.Config, error) {
	tol, err := c.Validation.ToleranceScaled()
	if err != nil {
		return validate.Config{}, err
	}
	vc := validate.Config{
		SupportedCurrency:       strings.ToUpper(c.Sync.SupportedCurrency),
		ReconciliationTolerance: tol,
		ClockSkew:               c.Validation.ClockSkew,
		OutlierMultiple:         c.Validation.OutlierMultiple,
		OutlierMinHistory:       c.Validation.OutlierMinHistory,
		ShortEligibleAccounts:   c.Validation.ShortEligibleAccounts,
	}
	for _, st := range c.Validation.ShortEligibleSecurityTypes {
		vc.ShortEligibleTypes = append(vc.ShortEligibleTypes, model.SecurityType(strings.ToLower(st)))
	}
	return vc, nil
}
