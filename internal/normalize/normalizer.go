// Package normalize maps raw gateway records onto the canonical model.
//
// Normalization is pure: the same raw bytes, scope and configuration always
// yield the same record or the same *Error. Field-name drift between gateway
// versions is absorbed by the AliasTable; fields nobody claims are kept in
// the record's Extras instead of being dropped.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/money"
)

var (
	errMissing    = errors.New("required field missing")
	errNotScalar  = errors.New("expected a string or number")
	errNotNumber  = errors.New("expected a decimal number")
	errNotInteger = errors.New("expected an integer")
	errNotObject  = errors.New("record is not a JSON object")
)

func isCurrency(err error) bool {
	return errors.Is(err, money.ErrUnsupportedCurrency)
}

// optionalAmount pairs a canonical field with its destination. Fields are
// read in slice order so the first reported error is stable.
type optionalAmount struct {
	field string
	dst   **int64
}

// Scope carries what a raw record does not say about itself.
type Scope struct {
	AccountID       string    // Account the payload was fetched for
	ObservedAt      time.Time // Snapshot timestamp for point-in-time payloads
	DefaultCurrency string    // Currency assumed when a record names none
}

// Normalizer converts raw records to canonical ones.
type Normalizer struct {
	conv    *money.Converter
	aliases AliasTable
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithAliases replaces the default alias table.
func WithAliases(t AliasTable) Option {
	return func(n *Normalizer) {
		n.aliases = t
	}
}

// New creates a Normalizer for the converter's currency.
func New(conv *money.Converter, opts ...Option) *Normalizer {
	n := &Normalizer{
		conv:    conv,
		aliases: DefaultAliases(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize dispatches on the record type tag.
func (n *Normalizer) Normalize(entity model.EntityType, raw json.RawMessage, scope Scope) (model.Record, error) {
	switch entity {
	case model.EntityAccounts:
		return n.Account(raw, scope)
	case model.EntityPositions:
		return n.Position(raw, scope)
	case model.EntityExecutions:
		return n.Execution(raw, scope)
	case model.EntityCashTransactions:
		return n.CashTransaction(raw, scope)
	case model.EntityAccountSummaries:
		return n.Summary(raw, scope)
	}
	return nil, fmt.Errorf("normalize: unknown entity type %q", entity)
}

func (n *Normalizer) open(entity model.EntityType, raw json.RawMessage) (*record, error) {
	if !gjson.ValidBytes(raw) {
		return nil, violation(ErrSchemaViolation, entity, "", string(raw), errors.New("invalid JSON"))
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, violation(ErrSchemaViolation, entity, "", root.Raw, errNotObject)
	}
	return &record{
		entity:  entity,
		root:    root,
		aliases: n.aliases[entity],
		conv:    n.conv,
		used:    make(map[string]bool),
	}, nil
}

func (n *Normalizer) accountID(r *record, scope Scope) (string, error) {
	if id := r.str(FieldAccountID); id != "" {
		return id, nil
	}
	if scope.AccountID != "" {
		return scope.AccountID, nil
	}
	return "", r.missing(FieldAccountID)
}

func observedAt(scope Scope) time.Time {
	if scope.ObservedAt.IsZero() {
		return time.Time{}
	}
	return scope.ObservedAt.UTC()
}

// Account normalizes one entry of the accounts listing.
func (n *Normalizer) Account(raw json.RawMessage, scope Scope) (model.Account, error) {
	r, err := n.open(model.EntityAccounts, raw)
	if err != nil {
		return model.Account{}, err
	}
	id, err := r.requiredStr(FieldAccountID)
	if err != nil {
		return model.Account{}, err
	}
	cur, err := r.currency("")
	if err != nil {
		return model.Account{}, err
	}
	at := observedAt(scope)
	return model.Account{
		ID:           id,
		Title:        r.str(FieldTitle),
		BaseCurrency: cur,
		Type:         r.str(FieldAccountType),
		CreatedAt:    at,
		UpdatedAt:    at,
		Extras:       r.extras(),
	}, nil
}

// instrument reads the contract fields shared by positions and executions.
func (n *Normalizer) instrument(r *record, currency string) (model.Instrument, error) {
	conid, err := r.requiredInteger(FieldContractID)
	if err != nil {
		return model.Instrument{}, err
	}
	symbol, err := r.requiredStr(FieldSymbol)
	if err != nil {
		return model.Instrument{}, err
	}
	secRaw, ok := r.lookup(FieldSecurityType)
	if !ok {
		return model.Instrument{}, r.missing(FieldSecurityType)
	}
	secType, ok := model.ParseSecurityType(secRaw.String())
	if !ok {
		return model.Instrument{}, r.fail(ErrEnumViolation, FieldSecurityType, secRaw, nil)
	}

	inst := model.Instrument{
		ContractID:      conid,
		Symbol:          symbol,
		SecurityType:    secType,
		Currency:        currency,
		Name:            r.str(FieldName),
		Exchange:        r.str(FieldExchange),
		PrimaryExchange: r.str(FieldPrimaryExchange),
		LocalSymbol:     r.str(FieldLocalSymbol),
		Expiry:          r.str(FieldExpiry),
	}

	if rightRaw, ok := r.lookup(FieldRight); ok {
		right, ok := model.ParseRight(rightRaw.String())
		if !ok {
			return model.Instrument{}, r.fail(ErrEnumViolation, FieldRight, rightRaw, nil)
		}
		inst.Right = right
	}
	if inst.Strike, err = r.scaled(FieldStrike); err != nil {
		return model.Instrument{}, err
	}
	if inst.Strike != nil && *inst.Strike == 0 {
		inst.Strike = nil
	}
	if inst.Multiplier, err = r.scaled(FieldMultiplier); err != nil {
		return model.Instrument{}, err
	}
	if inst.Multiplier != nil && *inst.Multiplier == 0 {
		inst.Multiplier = nil
	}
	if inst.UnderlyingContractID, err = r.integer(FieldUnderlyingID); err != nil {
		return model.Instrument{}, err
	}
	return inst, nil
}

// Position normalizes one entry of a positions page.
func (n *Normalizer) Position(raw json.RawMessage, scope Scope) (model.PositionSnapshot, error) {
	r, err := n.open(model.EntityPositions, raw)
	if err != nil {
		return model.PositionSnapshot{}, err
	}
	account, err := n.accountID(r, scope)
	if err != nil {
		return model.PositionSnapshot{}, err
	}
	cur, err := r.currency(scope.DefaultCurrency)
	if err != nil {
		return model.PositionSnapshot{}, err
	}
	inst, err := n.instrument(r, cur)
	if err != nil {
		return model.PositionSnapshot{}, err
	}
	qty, err := r.requiredScaled(FieldQuantity)
	if err != nil {
		return model.PositionSnapshot{}, err
	}

	p := model.PositionSnapshot{
		AccountID:  account,
		ContractID: inst.ContractID,
		SnapshotAt: observedAt(scope),
		Quantity:   qty,
		Currency:   cur,
		Instrument: inst,
	}
	for _, f := range []optionalAmount{
		{FieldMarketPrice, &p.MarketPrice},
		{FieldMarketValue, &p.MarketValue},
		{FieldAverageCost, &p.AverageCost},
		{FieldUnrealizedPnL, &p.UnrealizedPnL},
		{FieldRealizedPnL, &p.RealizedPnL},
	} {
		if *f.dst, err = r.amount(f.field, cur); err != nil {
			return model.PositionSnapshot{}, err
		}
	}
	p.Extras = r.extras()
	return p, nil
}

// Execution normalizes one trade report.
func (n *Normalizer) Execution(raw json.RawMessage, scope Scope) (model.Execution, error) {
	r, err := n.open(model.EntityExecutions, raw)
	if err != nil {
		return model.Execution{}, err
	}
	execID, err := r.requiredStr(FieldExecID)
	if err != nil {
		return model.Execution{}, err
	}
	account, err := n.accountID(r, scope)
	if err != nil {
		return model.Execution{}, err
	}
	sideRaw, ok := r.lookup(FieldSide)
	if !ok {
		return model.Execution{}, r.missing(FieldSide)
	}
	side, ok := model.ParseSide(sideRaw.String())
	if !ok {
		return model.Execution{}, r.fail(ErrEnumViolation, FieldSide, sideRaw, nil)
	}
	cur, err := r.currency(scope.DefaultCurrency)
	if err != nil {
		return model.Execution{}, err
	}
	inst, err := n.instrument(r, cur)
	if err != nil {
		return model.Execution{}, err
	}
	qty, err := r.requiredScaled(FieldQuantity)
	if err != nil {
		return model.Execution{}, err
	}
	price, err := r.requiredAmount(FieldPrice, cur)
	if err != nil {
		return model.Execution{}, err
	}
	executedAt, ok, err := r.time(FieldExecutedAt)
	if err != nil {
		return model.Execution{}, err
	}
	if !ok {
		return model.Execution{}, r.missing(FieldExecutedAt)
	}
	orderID, err := r.integer(FieldOrderID)
	if err != nil {
		return model.Execution{}, err
	}

	e := model.Execution{
		ExecID:     execID,
		AccountID:  account,
		ContractID: inst.ContractID,
		OrderID:    orderID,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Currency:   cur,
		Exchange:   inst.Exchange,
		Liquidity:  r.str(FieldLiquidity),
		OrderRef:   r.str(FieldOrderRef),
		ExecutedAt: executedAt,
		Instrument: inst,
	}

	// Commissions may be charged in another currency; those are recorded as
	// a currency violation rather than silently converted.
	if _, ok := r.lookup(FieldCommission); ok {
		commCur := r.str(FieldCommissionCurrency)
		if commCur == "" {
			commCur = cur
		}
		if err := n.conv.CheckCurrency(commCur); err != nil {
			return model.Execution{}, violation(ErrCurrencyViolation, r.entity, FieldCommissionCurrency, commCur, err)
		}
		if e.Commission, err = r.amount(FieldCommission, commCur); err != nil {
			return model.Execution{}, err
		}
		e.CommissionCurrency = n.conv.Currency()
	}
	if e.NetAmount, err = r.amount(FieldNetAmount, cur); err != nil {
		return model.Execution{}, err
	}
	e.Extras = r.extras()
	return e, nil
}

// CashTransaction normalizes one cash movement.
func (n *Normalizer) CashTransaction(raw json.RawMessage, scope Scope) (model.CashTransaction, error) {
	r, err := n.open(model.EntityCashTransactions, raw)
	if err != nil {
		return model.CashTransaction{}, err
	}
	account, err := n.accountID(r, scope)
	if err != nil {
		return model.CashTransaction{}, err
	}
	date, err := r.date(FieldDate)
	if err != nil {
		return model.CashTransaction{}, err
	}
	cur, err := r.currency(scope.DefaultCurrency)
	if err != nil {
		return model.CashTransaction{}, err
	}
	amount, err := r.requiredAmount(FieldAmount, cur)
	if err != nil {
		return model.CashTransaction{}, err
	}
	txnType, err := r.requiredStr(FieldType)
	if err != nil {
		return model.CashTransaction{}, err
	}
	conid, err := r.integer(FieldContractID)
	if err != nil {
		return model.CashTransaction{}, err
	}
	return model.CashTransaction{
		SourceID:    r.str(FieldSourceID),
		AccountID:   account,
		ContractID:  conid,
		Date:        date,
		Amount:      amount,
		Currency:    cur,
		Type:        txnType,
		Description: r.str(FieldDescription),
		Extras:      r.extras(),
	}, nil
}

// Summary normalizes an account summary object.
func (n *Normalizer) Summary(raw json.RawMessage, scope Scope) (model.AccountSummary, error) {
	r, err := n.open(model.EntityAccountSummaries, raw)
	if err != nil {
		return model.AccountSummary{}, err
	}
	if scope.AccountID == "" {
		return model.AccountSummary{}, r.missing(FieldAccountID)
	}
	cur, err := r.currency(scope.DefaultCurrency)
	if err != nil {
		return model.AccountSummary{}, err
	}

	s := model.AccountSummary{
		AccountID:  scope.AccountID,
		SnapshotAt: observedAt(scope),
		Currency:   cur,
	}
	for _, f := range []optionalAmount{
		{FieldNetLiquidation, &s.NetLiquidation},
		{FieldCashBalance, &s.CashBalance},
		{FieldGrossPosition, &s.GrossPositionValue},
		{FieldMaintenanceMargin, &s.MaintenanceMargin},
		{FieldInitialMargin, &s.InitialMargin},
		{FieldExcessLiquidity, &s.ExcessLiquidity},
		{FieldBuyingPower, &s.BuyingPower},
		{FieldRealizedPnL, &s.RealizedPnL},
		{FieldUnrealizedPnL, &s.UnrealizedPnL},
	} {
		if *f.dst, err = r.amount(f.field, cur); err != nil {
			return model.AccountSummary{}, err
		}
	}
	if s.NetLiquidation == nil {
		return model.AccountSummary{}, r.missing(FieldNetLiquidation)
	}
	s.Extras = r.extras()
	return s, nil
}
