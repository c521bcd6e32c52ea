// Package validate checks normalized batches against accounting and
// temporal rules before they are persisted.
//
// Violations are data: Validate returns every violation found by every rule,
// and the caller decides which records to drop (Rejected). An error is only
// returned for a malformed batch, which is a programming mistake.
package validate

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/money"
)

// Rule names a validation rule.
type Rule string

const (
	RuleBalanceReconciliation Rule = "balance_reconciliation"
	RulePositionConsistency   Rule = "position_consistency"
	RuleExecutionSanity       Rule = "execution_sanity"
	RuleTemporalSanity        Rule = "temporal_sanity"
	RulePnLOutlier            Rule = "pnl_outlier"
	RuleCurrency              Rule = "currency"
)

// Severity says whether a violation blocks persistence of its record.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one rule failure for one record of the batch.
type Violation struct {
	Rule     Rule
	Severity Severity
	Index    int    // Position of the record in the batch
	Key      string // Record natural key
	Message  string
}

// Blocking reports whether the violation rejects its record.
func (v Violation) Blocking() bool {
	return v.Severity == SeverityError
}

func (v Violation) String() string {
	return fmt.Sprintf("%s[%s] %s: %s", v.Rule, v.Severity, v.Key, v.Message)
}

// Rejected returns the batch indices carrying at least one blocking violation.
func Rejected(violations []Violation) map[int]bool {
	out := make(map[int]bool)
	for _, v := range violations {
		if v.Blocking() {
			out[v.Index] = true
		}
	}
	return out
}

// Config holds rule thresholds.
type Config struct {
	SupportedCurrency       string
	ReconciliationTolerance int64         // Scaled; |cash + gross - netliq| must not exceed it
	ClockSkew               time.Duration // Allowed lead of record timestamps over Now
	OutlierMultiple         float64       // Flag P&L moves beyond this many standard deviations
	OutlierMinHistory       int           // Minimum prior deltas before the outlier rule applies
	ShortEligibleAccounts   []string      // Accounts allowed to hold short stock
	ShortEligibleTypes      []model.SecurityType
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		SupportedCurrency:       "USD",
		ReconciliationTolerance: money.Factor, // 1.00
		OutlierMultiple:         4,
		OutlierMinHistory:       5,
		ShortEligibleTypes:      []model.SecurityType{model.SecurityOption, model.SecurityFuture, model.SecurityFX},
	}
}

// Context is what the rules need beyond the batch itself.
type Context struct {
	Now time.Time

	// PriorExecutionTimes maps already-stored execution ids to their
	// recorded timestamps.
	PriorExecutionTimes map[string]time.Time

	// PnLHistory maps a history key (PositionSnapshot.HistoryKey, or the
	// account id for summaries) to prior unrealized P&L, oldest first.
	PnLHistory map[string][]int64
}

// Validator applies the rules for one entity type per batch.
type Validator struct {
	cfg           Config
	shortAccounts map[string]bool
	shortTypes    map[model.SecurityType]bool
}

// New creates a Validator.
func New(cfg Config) *Validator {
	v := &Validator{
		cfg:           cfg,
		shortAccounts: make(map[string]bool),
		shortTypes:    make(map[model.SecurityType]bool),
	}
	for _, a := range cfg.ShortEligibleAccounts {
		v.shortAccounts[a] = true
	}
	for _, t := range cfg.ShortEligibleTypes {
		v.shortTypes[t] = true
	}
	return v
}

// Validate runs every rule that applies to the batch's entity type. All
// records must share one type.
func (v *Validator) Validate(batch []model.Record, vc Context) ([]Violation, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	entity, err := batchEntity(batch)
	if err != nil {
		return nil, err
	}
	if vc.Now.IsZero() {
		vc.Now = time.Now()
	}

	var out []Violation
	switch entity {
	case model.EntityAccounts:
		out = v.checkAccounts(batch)
	case model.EntityPositions:
		out = append(out, v.checkPositions(batch)...)
		out = append(out, v.checkSnapshotTimes(batch, vc)...)
		out = append(out, v.checkPnLOutliers(batch, vc)...)
	case model.EntityExecutions:
		out = append(out, v.checkExecutions(batch)...)
		out = append(out, v.checkExecutionTimes(batch, vc)...)
	case model.EntityCashTransactions:
		out = append(out, v.checkCashTransactions(batch, vc)...)
	case model.EntityAccountSummaries:
		out = append(out, v.checkReconciliation(batch)...)
		out = append(out, v.checkSnapshotTimes(batch, vc)...)
		out = append(out, v.checkPnLOutliers(batch, vc)...)
	}

	slices.SortStableFunc(out, func(a, b Violation) int {
		return a.Index - b.Index
	})
	return out, nil
}

func batchEntity(batch []model.Record) (model.EntityType, error) {
	var entity model.EntityType
	for i, r := range batch {
		if r == nil {
			return "", fmt.Errorf("validate: nil record at index %d", i)
		}
		if i == 0 {
			entity = r.Entity()
			continue
		}
		if r.Entity() != entity {
			return "", fmt.Errorf("validate: mixed batch, %s at index %d in a %s batch", r.Entity(), i, entity)
		}
	}
	return entity, nil
}

func (v *Validator) violation(rule Rule, sev Severity, i int, r model.Record, format string, args ...any) Violation {
	return Violation{
		Rule:     rule,
		Severity: sev,
		Index:    i,
		Key:      r.Key(),
		Message:  fmt.Sprintf(format, args...),
	}
}

func (v *Validator) currencyOK(code string) bool {
	return strings.EqualFold(strings.TrimSpace(code), v.cfg.SupportedCurrency)
}

func (v *Validator) checkAccounts(batch []model.Record) []Violation {
	var out []Violation
	for i, r := range batch {
		a := r.(model.Account)
		if !v.currencyOK(a.BaseCurrency) {
			out = append(out, v.violation(RuleCurrency, SeverityError, i, r,
				"base currency %q is not %s", a.BaseCurrency, v.cfg.SupportedCurrency))
		}
	}
	return out
}

// checkPositions: short quantities need eligibility, currency must match.
func (v *Validator) checkPositions(batch []model.Record) []Violation {
	var out []Violation
	for i, r := range batch {
		p := r.(model.PositionSnapshot)
		if p.Quantity < 0 && !v.shortAccounts[p.AccountID] && !v.shortTypes[p.Instrument.SecurityType] {
			out = append(out, v.violation(RulePositionConsistency, SeverityError, i, r,
				"short %s position of %s in account without short eligibility", p.Instrument.SecurityType, money.Format(p.Quantity)))
		}
		if !v.currencyOK(p.Currency) {
			out = append(out, v.violation(RulePositionConsistency, SeverityError, i, r,
				"currency %q is not %s", p.Currency, v.cfg.SupportedCurrency))
		}
	}
	return out
}

// checkExecutions: fills have positive size and price and a known side.
func (v *Validator) checkExecutions(batch []model.Record) []Violation {
	var out []Violation
	for i, r := range batch {
		e := r.(model.Execution)
		if e.Quantity <= 0 {
			out = append(out, v.violation(RuleExecutionSanity, SeverityError, i, r,
				"quantity %s must be positive", money.Format(e.Quantity)))
		}
		if e.Price <= 0 {
			out = append(out, v.violation(RuleExecutionSanity, SeverityError, i, r,
				"price %s must be positive", money.Format(e.Price)))
		}
		if !e.Side.Valid() {
			out = append(out, v.violation(RuleExecutionSanity, SeverityError, i, r,
				"side %q is not BUY or SELL", e.Side))
		}
		if !v.currencyOK(e.Currency) {
			out = append(out, v.violation(RuleExecutionSanity, SeverityError, i, r,
				"currency %q is not %s", e.Currency, v.cfg.SupportedCurrency))
		}
	}
	return out
}

// checkExecutionTimes: no future fills, and an execution id never moves
// back in time, either against storage or within the batch.
func (v *Validator) checkExecutionTimes(batch []model.Record, vc Context) []Violation {
	limit := vc.Now.Add(v.cfg.ClockSkew)
	seen := make(map[string]time.Time, len(batch))
	var out []Violation
	for i, r := range batch {
		e := r.(model.Execution)
		if e.ExecutedAt.IsZero() {
			out = append(out, v.violation(RuleTemporalSanity, SeverityError, i, r, "missing execution time"))
			continue
		}
		if e.ExecutedAt.After(limit) {
			out = append(out, v.violation(RuleTemporalSanity, SeverityError, i, r,
				"executed at %s, after %s", e.ExecutedAt.Format(time.RFC3339), vc.Now.Format(time.RFC3339)))
		}
		prior, ok := vc.PriorExecutionTimes[e.ExecID]
		if !ok {
			prior, ok = seen[e.ExecID]
		}
		if ok && e.ExecutedAt.Before(prior) {
			out = append(out, v.violation(RuleTemporalSanity, SeverityError, i, r,
				"timestamp regressed from %s to %s", prior.Format(time.RFC3339), e.ExecutedAt.Format(time.RFC3339)))
		}
		if _, dup := seen[e.ExecID]; !dup {
			seen[e.ExecID] = e.ExecutedAt
		}
	}
	return out
}

func (v *Validator) checkCashTransactions(batch []model.Record, vc Context) []Violation {
	today := vc.Now.Add(v.cfg.ClockSkew).UTC().Format(model.DateLayout)
	var out []Violation
	for i, r := range batch {
		c := r.(model.CashTransaction)
		// Layout dates compare correctly as strings.
		if c.Date > today {
			out = append(out, v.violation(RuleTemporalSanity, SeverityError, i, r,
				"dated %s, after %s", c.Date, today))
		}
		if !v.currencyOK(c.Currency) {
			out = append(out, v.violation(RuleCurrency, SeverityError, i, r,
				"currency %q is not %s", c.Currency, v.cfg.SupportedCurrency))
		}
	}
	return out
}

func snapshotTime(r model.Record) time.Time {
	switch s := r.(type) {
	case model.PositionSnapshot:
		return s.SnapshotAt
	case model.AccountSummary:
		return s.SnapshotAt
	}
	return time.Time{}
}

func (v *Validator) checkSnapshotTimes(batch []model.Record, vc Context) []Violation {
	limit := vc.Now.Add(v.cfg.ClockSkew)
	var out []Violation
	for i, r := range batch {
		at := snapshotTime(r)
		switch {
		case at.IsZero():
			out = append(out, v.violation(RuleTemporalSanity, SeverityError, i, r, "missing snapshot time"))
		case at.After(limit):
			out = append(out, v.violation(RuleTemporalSanity, SeverityError, i, r,
				"snapshot at %s, after %s", at.Format(time.RFC3339), vc.Now.Format(time.RFC3339)))
		}
	}
	return out
}

// checkReconciliation: cash + gross position value must equal net
// liquidation within the tolerance.
func (v *Validator) checkReconciliation(batch []model.Record) []Violation {
	var out []Violation
	for i, r := range batch {
		s := r.(model.AccountSummary)
		if s.NetLiquidation == nil || s.CashBalance == nil || s.GrossPositionValue == nil {
			out = append(out, v.violation(RuleBalanceReconciliation, SeverityWarning, i, r,
				"cannot reconcile: net liquidation, cash or gross position value missing"))
			continue
		}
		diff := *s.CashBalance + *s.GrossPositionValue - *s.NetLiquidation
		if diff < 0 {
			diff = -diff
		}
		if diff > v.cfg.ReconciliationTolerance {
			out = append(out, v.violation(RuleBalanceReconciliation, SeverityError, i, r,
				"cash %s + gross %s differs from net liquidation %s by %s (tolerance %s)",
				money.Format(*s.CashBalance), money.Format(*s.GrossPositionValue), money.Format(*s.NetLiquidation),
				money.Format(diff), money.Format(v.cfg.ReconciliationTolerance)))
		}
	}
	return out
}

func pnlObservation(r model.Record) (string, *int64) {
	switch s := r.(type) {
	case model.PositionSnapshot:
		return s.HistoryKey(), s.UnrealizedPnL
	case model.AccountSummary:
		return s.AccountID, s.UnrealizedPnL
	}
	return "", nil
}

// checkPnLOutliers flags, without blocking, P&L moves far outside the key's
// historical volatility.
func (v *Validator) checkPnLOutliers(batch []model.Record, vc Context) []Violation {
	if v.cfg.OutlierMultiple <= 0 {
		return nil
	}
	var out []Violation
	for i, r := range batch {
		key, current := pnlObservation(r)
		history := vc.PnLHistory[key]
		if current == nil || len(history) < 2 {
			continue
		}
		deltas := make([]float64, 0, len(history)-1)
		for j := 1; j < len(history); j++ {
			deltas = append(deltas, float64(history[j]-history[j-1]))
		}
		if len(deltas) < v.cfg.OutlierMinHistory {
			continue
		}
		sd := stddev(deltas)
		if sd == 0 {
			continue
		}
		move := float64(*current - history[len(history)-1])
		if math.Abs(move) > v.cfg.OutlierMultiple*sd {
			out = append(out, v.violation(RulePnLOutlier, SeverityWarning, i, r,
				"unrealized P&L moved %s, %.1f standard deviations (threshold %.1f)",
				money.Format(int64(move)), math.Abs(move)/sd, v.cfg.OutlierMultiple))
		}
	}
	return out
}

func stddev(xs []float64) float64 {
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)))
}
