package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/ibkr-data/internal/model"
)

var now = time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)

func usd(v float64) *int64 {
	return model.Int64(int64(v * 1_000_000))
}

func summary(netliq, cash, gross float64) model.AccountSummary {
	return model.AccountSummary{
		AccountID:          "U1",
		SnapshotAt:         now,
		Currency:           "USD",
		NetLiquidation:     usd(netliq),
		CashBalance:        usd(cash),
		GrossPositionValue: usd(gross),
	}
}

func rules(vs []Violation) []Rule {
	var out []Rule
	for _, v := range vs {
		out = append(out, v.Rule)
	}
	return out
}

func TestReconciliation(t *testing.T) {
	v := New(DefaultConfig())

	tests := []struct {
		name    string
		s       model.AccountSummary
		blocked bool
	}{
		{"exact", summary(100_000, 20_000, 80_000), false},
		{"within tolerance", summary(100_000, 20_000, 80_000.99), false},
		{"at tolerance", summary(100_000, 20_000, 80_001), false},
		{"outside tolerance", summary(100_000, 20_000, 80_001.01), true},
		{"negative drift", summary(100_000, 19_000, 80_000), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs, err := v.Validate([]model.Record{tt.s}, Context{Now: now})
			require.NoError(t, err)
			assert.Equal(t, tt.blocked, Rejected(vs)[0], "%v", vs)
		})
	}
}

func TestReconciliationScaledTolerance(t *testing.T) {
	scaled := func(cash, gross, netliq int64) model.AccountSummary {
		return model.AccountSummary{
			AccountID: "U1", SnapshotAt: now, Currency: "USD",
			CashBalance: &cash, GrossPositionValue: &gross, NetLiquidation: &netliq,
		}
	}

	tests := []struct {
		name      string
		s         model.AccountSummary
		tolerance int64
		blocked   bool
	}{
		{"balanced at zero tolerance", scaled(1_000_000, 2_000_000, 3_000_000), 0, false},
		{"off by 50 at zero tolerance", scaled(1_000_000, 2_000_000, 3_000_050), 0, true},
		{"off by 50 at tolerance 49", scaled(1_000_000, 2_000_000, 3_000_050), 49, true},
		{"off by 50 at tolerance 50", scaled(1_000_000, 2_000_000, 3_000_050), 50, false},
		{"off by 50 at tolerance 51", scaled(1_000_000, 2_000_000, 3_000_050), 51, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ReconciliationTolerance = tt.tolerance
			vs, err := New(cfg).Validate([]model.Record{tt.s}, Context{Now: now})
			require.NoError(t, err)
			assert.Equal(t, tt.blocked, Rejected(vs)[0], "%v", vs)
			if tt.blocked {
				require.Len(t, vs, 1)
				assert.Equal(t, RuleBalanceReconciliation, vs[0].Rule)
			}
		})
	}
}

func TestReconciliationMissingFieldsWarns(t *testing.T) {
	v := New(DefaultConfig())
	s := summary(100_000, 20_000, 80_000)
	s.GrossPositionValue = nil

	vs, err := v.Validate([]model.Record{s}, Context{Now: now})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, RuleBalanceReconciliation, vs[0].Rule)
	assert.False(t, vs[0].Blocking())
}

func position(qty int64, secType model.SecurityType) model.PositionSnapshot {
	return model.PositionSnapshot{
		AccountID:  "U1",
		ContractID: 265598,
		SnapshotAt: now,
		Quantity:   qty * 1_000_000,
		Currency:   "USD",
		Instrument: model.Instrument{ContractID: 265598, Symbol: "AAPL", SecurityType: secType},
	}
}

func TestPositionConsistency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShortEligibleAccounts = []string{"U-MARGIN"}
	v := New(cfg)

	shortStock := position(-10, model.SecurityEquity)
	shortOption := position(-1, model.SecurityOption)
	marginShort := position(-10, model.SecurityEquity)
	marginShort.AccountID = "U-MARGIN"
	euro := position(5, model.SecurityEquity)
	euro.Currency = "EUR"

	batch := []model.Record{position(10, model.SecurityEquity), shortStock, shortOption, marginShort, euro}
	vs, err := v.Validate(batch, Context{Now: now})
	require.NoError(t, err)

	rejected := Rejected(vs)
	assert.Equal(t, map[int]bool{1: true, 4: true}, rejected)
	for _, vi := range vs {
		assert.Equal(t, RulePositionConsistency, vi.Rule)
	}
}

func TestSnapshotInFuture(t *testing.T) {
	v := New(DefaultConfig())
	p := position(1, model.SecurityEquity)
	p.SnapshotAt = now.Add(time.Minute)

	vs, err := v.Validate([]model.Record{p}, Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, []Rule{RuleTemporalSanity}, rules(vs))

	cfg := DefaultConfig()
	cfg.ClockSkew = 2 * time.Minute
	vs, err = New(cfg).Validate([]model.Record{p}, Context{Now: now})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func execution(id string, qty, price int64, at time.Time) model.Execution {
	return model.Execution{
		ExecID:     id,
		AccountID:  "U1",
		ContractID: 265598,
		Side:       model.SideBuy,
		Quantity:   qty,
		Price:      price,
		Currency:   "USD",
		ExecutedAt: at,
	}
}

func TestExecutionSanity(t *testing.T) {
	v := New(DefaultConfig())
	bad := execution("e3", 1_000_000, 1_000_000, now.Add(-time.Hour))
	bad.Side = "HOLD"

	batch := []model.Record{
		execution("e1", 10_000_000, 195_120_000, now.Add(-time.Hour)),
		execution("e2", 0, 195_120_000, now.Add(-time.Hour)),
		bad,
		execution("e4", 1_000_000, -1, now.Add(-time.Hour)),
	}
	vs, err := v.Validate(batch, Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, Rejected(vs))
	assert.Equal(t, []Rule{RuleExecutionSanity, RuleExecutionSanity, RuleExecutionSanity}, rules(vs))
}

func TestExecutionTemporal(t *testing.T) {
	v := New(DefaultConfig())
	stored := now.Add(-2 * time.Hour)

	batch := []model.Record{
		execution("future", 1_000_000, 1_000_000, now.Add(time.Hour)),
		execution("stored", 1_000_000, 1_000_000, stored.Add(-time.Minute)),
		execution("same", 1_000_000, 1_000_000, stored),
		execution("dup", 1_000_000, 1_000_000, stored),
		execution("dup", 1_000_000, 1_000_000, stored.Add(-time.Second)),
	}
	vs, err := v.Validate(batch, Context{
		Now: now,
		PriorExecutionTimes: map[string]time.Time{
			"stored": stored,
			"same":   stored,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true, 1: true, 4: true}, Rejected(vs))
	for _, vi := range vs {
		assert.Equal(t, RuleTemporalSanity, vi.Rule)
	}
}

func TestCashTransactionDates(t *testing.T) {
	v := New(DefaultConfig())
	batch := []model.Record{
		model.CashTransaction{AccountID: "U1", Date: "2024-03-01", Amount: 1, Currency: "USD", Type: "Dividend"},
		model.CashTransaction{AccountID: "U1", Date: "2024-03-02", Amount: 1, Currency: "USD", Type: "Dividend"},
		model.CashTransaction{AccountID: "U1", Date: "2024-02-01", Amount: 1, Currency: "CAD", Type: "Fee"},
	}
	vs, err := v.Validate(batch, Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{1: true, 2: true}, Rejected(vs))
	assert.Equal(t, []Rule{RuleTemporalSanity, RuleCurrency}, rules(vs))
}

func TestPnLOutlierIsNonBlocking(t *testing.T) {
	v := New(DefaultConfig())
	history := []int64{0, 100, 200, 150, 250, 300, 260}
	for i := range history {
		history[i] *= 1_000_000
	}

	calm := position(10, model.SecurityEquity)
	calm.UnrealizedPnL = usd(310)
	wild := position(10, model.SecurityEquity)
	wild.UnrealizedPnL = usd(5_000)

	ctx := Context{Now: now, PnLHistory: map[string][]int64{calm.HistoryKey(): history}}

	vs, err := v.Validate([]model.Record{calm}, ctx)
	require.NoError(t, err)
	assert.Empty(t, vs)

	vs, err = v.Validate([]model.Record{wild}, ctx)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, RulePnLOutlier, vs[0].Rule)
	assert.False(t, vs[0].Blocking())
	assert.Empty(t, Rejected(vs))
}

func TestPnLOutlierNeedsHistory(t *testing.T) {
	v := New(DefaultConfig())
	wild := position(10, model.SecurityEquity)
	wild.UnrealizedPnL = usd(5_000)

	vs, err := v.Validate([]model.Record{wild}, Context{
		Now:        now,
		PnLHistory: map[string][]int64{wild.HistoryKey(): {0, 1_000_000, 2_000_000}},
	})
	require.NoError(t, err)
	assert.Empty(t, vs)
}

func TestRulesAreIndependent(t *testing.T) {
	v := New(DefaultConfig())
	// One record failing reconciliation and temporal rules reports both.
	s := summary(100_000, 0, 0)
	s.SnapshotAt = now.Add(time.Hour)

	vs, err := v.Validate([]model.Record{s}, Context{Now: now})
	require.NoError(t, err)
	assert.ElementsMatch(t, []Rule{RuleBalanceReconciliation, RuleTemporalSanity}, rules(vs))
}

func TestMalformedBatch(t *testing.T) {
	v := New(DefaultConfig())

	_, err := v.Validate([]model.Record{summary(1, 1, 0), position(1, model.SecurityEquity)}, Context{Now: now})
	assert.Error(t, err)

	_, err = v.Validate([]model.Record{nil}, Context{Now: now})
	assert.Error(t, err)

	vs, err := v.Validate(nil, Context{Now: now})
	assert.NoError(t, err)
	assert.Empty(t, vs)
}

func TestAccountsCurrency(t *testing.T) {
	v := New(DefaultConfig())
	vs, err := v.Validate([]model.Record{
		model.Account{ID: "U1", BaseCurrency: "USD"},
		model.Account{ID: "U2", BaseCurrency: "EUR"},
	}, Context{Now: now})
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{1: true}, Rejected(vs))
}
