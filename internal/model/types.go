package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the layout of civil dates such as CashTransaction.Date.
const DateLayout = "2006-01-02"

// Record is implemented by every canonical record.
type Record interface {
	// Entity returns the entity type the record belongs to.
	Entity() EntityType
	// Key returns the record's natural key, used in logs and violations.
	Key() string
}

// -----------------------------------------------------------------------------
// Enumerations
// -----------------------------------------------------------------------------

// EntityType identifies one synchronized record type.
type EntityType string

const (
	EntityAccounts         EntityType = "accounts"
	EntityPositions        EntityType = "positions"
	EntityExecutions       EntityType = "executions"
	EntityCashTransactions EntityType = "cash_transactions"
	EntityAccountSummaries EntityType = "account_summaries"
)

// AllEntities lists entity types in sync order: accounts first, since every
// other type references an account.
var AllEntities = []EntityType{
	EntityAccounts,
	EntityPositions,
	EntityExecutions,
	EntityCashTransactions,
	EntityAccountSummaries,
}

// AccountScoped reports whether syncs of this type run per account.
func (e EntityType) AccountScoped() bool {
	return e != EntityAccounts
}

// Snapshot reports whether the type is a point-in-time snapshot rather than
// an event stream.
func (e EntityType) Snapshot() bool {
	switch e {
	case EntityPositions, EntityAccountSummaries, EntityAccounts:
		return true
	}
	return false
}

// ParseEntityType accepts the canonical names plus a few singular aliases.
func ParseEntityType(s string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accounts", "account":
		return EntityAccounts, nil
	case "positions", "position":
		return EntityPositions, nil
	case "executions", "execution", "trades", "fills":
		return EntityExecutions, nil
	case "cash_transactions", "cash", "transactions":
		return EntityCashTransactions, nil
	case "account_summaries", "summary", "summaries":
		return EntityAccountSummaries, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// SecurityType is the canonical instrument class.
type SecurityType string

const (
	SecurityEquity SecurityType = "equity"
	SecurityOption SecurityType = "option"
	SecurityFuture SecurityType = "future"
	SecurityFX     SecurityType = "fx"
	SecurityOther  SecurityType = "other"
)

// sourceSecurityTypes maps gateway asset class codes to canonical types.
var sourceSecurityTypes = map[string]SecurityType{
	"STK":    SecurityEquity,
	"ETF":    SecurityEquity,
	"OPT":    SecurityOption,
	"FOP":    SecurityOption,
	"WAR":    SecurityOption,
	"IOPT":   SecurityOption,
	"FUT":    SecurityFuture,
	"CASH":   SecurityFX,
	"BOND":   SecurityOther,
	"CFD":    SecurityOther,
	"FUND":   SecurityOther,
	"CMDTY":  SecurityOther,
	"IND":    SecurityOther,
	"CRYPTO": SecurityOther,
	"BAG":    SecurityOther,
}

// ParseSecurityType maps a gateway code (or a canonical name) to a
// SecurityType. The second result is false for unknown codes.
func ParseSecurityType(s string) (SecurityType, bool) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if st, ok := sourceSecurityTypes[code]; ok {
		return st, true
	}
	switch SecurityType(strings.ToLower(code)) {
	case SecurityEquity, SecurityOption, SecurityFuture, SecurityFX, SecurityOther:
		return SecurityType(strings.ToLower(code)), true
	}
	return "", false
}

// Side is the direction of an execution.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide accepts BUY/SELL plus the gateway's short forms.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "B", "BOT":
		return SideBuy, true
	case "SELL", "S", "SLD":
		return SideSell, true
	}
	return "", false
}

// Right is an option right.
type Right string

const (
	RightCall Right = "C"
	RightPut  Right = "P"
)

// ParseRight accepts C/P and CALL/PUT. Empty input yields "" and true.
func ParseRight(s string) (Right, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", true
	case "C", "CALL":
		return RightCall, true
	case "P", "PUT":
		return RightPut, true
	}
	return "", false
}

// RunStatus is the terminal status of a sync run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// AdvancesCursor reports whether a run with this status moves the cursor.
func (s RunStatus) AdvancesCursor() bool {
	return s == RunSuccess || s == RunPartial
}

// -----------------------------------------------------------------------------
// Relational Types
// -----------------------------------------------------------------------------

// Account is a brokerage account. BaseCurrency never changes after creation.
type Account struct {
	ID           string    // Primary key (e.g., "U1234567")
	Title        string    // Display title, may change
	BaseCurrency string    // ISO 4217 code
	Type         string    // Account type reported by the gateway (e.g., "INDIVIDUAL")
	CreatedAt    time.Time // First time the account was seen
	UpdatedAt    time.Time // Last observation
	Extras       map[string]json.RawMessage
}

func (a Account) Entity() EntityType { return EntityAccounts }
func (a Account) Key() string        { return a.ID }

// Instrument is a contract, created the first time anything references it.
// Optional attributes may be refined later; ContractID never changes.
type Instrument struct {
	ContractID           int64        // Primary key (gateway conid)
	Symbol               string       // Ticker
	SecurityType         SecurityType // Canonical class
	Currency             string       // Trading currency
	Name                 string       // Optional company or contract name
	Exchange             string       // Optional listing exchange
	PrimaryExchange      string       // Optional primary exchange
	LocalSymbol          string       // Optional local symbol
	Expiry               string       // Optional expiry, YYYYMMDD
	Strike               *int64       // Optional strike (scaled)
	Right                Right        // Optional option right
	Multiplier           *int64       // Optional contract multiplier (scaled)
	UnderlyingContractID *int64       // Optional underlying conid
}

// -----------------------------------------------------------------------------
// Snapshot and Event Types
// -----------------------------------------------------------------------------

// PositionSnapshot is an immutable holding observation.
type PositionSnapshot struct {
	AccountID     string     // Foreign key to Account
	ContractID    int64      // Foreign key to Instrument
	SnapshotAt    time.Time  // Observation time
	Quantity      int64      // Signed position size (scaled)
	MarketPrice   *int64     // Mark price (scaled)
	MarketValue   *int64     // Mark value (scaled)
	AverageCost   *int64     // Average cost per unit (scaled)
	UnrealizedPnL *int64     // Unrealized P&L (scaled)
	RealizedPnL   *int64     // Realized P&L (scaled)
	Currency      string     // ISO 4217 code
	Instrument    Instrument // Contract referenced by this snapshot
	Extras        map[string]json.RawMessage
}

func (p PositionSnapshot) Entity() EntityType { return EntityPositions }
func (p PositionSnapshot) Key() string {
	return p.AccountID + "/" + strconv.FormatInt(p.ContractID, 10) + "@" + p.SnapshotAt.UTC().Format(time.RFC3339)
}

// HistoryKey identifies a position across snapshots.
func (p PositionSnapshot) HistoryKey() string {
	return p.AccountID + "/" + strconv.FormatInt(p.ContractID, 10)
}

// Execution is an immutable fill.
type Execution struct {
	ExecID             string     // Primary key (source execution id)
	AccountID          string     // Foreign key to Account
	ContractID         int64      // Foreign key to Instrument
	OrderID            *int64     // Optional source order id
	Side               Side       // BUY or SELL
	Quantity           int64      // Filled quantity (scaled, > 0)
	Price              int64      // Fill price (scaled, > 0)
	Currency           string     // ISO 4217 code
	Commission         *int64     // Optional commission (scaled)
	CommissionCurrency string     // Currency of Commission
	NetAmount          *int64     // Optional net cash amount (scaled)
	Exchange           string     // Execution venue
	Liquidity          string     // Optional add/remove liquidity flag
	OrderRef           string     // Optional client order reference
	ExecutedAt         time.Time  // Fill time
	Instrument         Instrument // Contract filled
	Extras             map[string]json.RawMessage
}

func (e Execution) Entity() EntityType { return EntityExecutions }
func (e Execution) Key() string        { return e.ExecID }

// CashTransaction is a cash movement (deposit, dividend, fee, interest, ...).
type CashTransaction struct {
	SourceID    string    // Optional source transaction id
	AccountID   string    // Foreign key to Account
	ContractID  *int64    // Optional related instrument
	Date        string    // Civil date, DateLayout
	Amount      int64     // Signed amount (scaled)
	Currency    string    // ISO 4217 code
	Type        string    // Transaction type (e.g., "Dividend")
	Description string    // Free text
	Extras      map[string]json.RawMessage
}

func (c CashTransaction) Entity() EntityType { return EntityCashTransactions }
func (c CashTransaction) Key() string        { return c.DedupeKey() }

// DedupeKey is the identity used for idempotent inserts. A source id wins
// when present; otherwise the composite of account, date, amount and type.
func (c CashTransaction) DedupeKey() string {
	if id := strings.TrimSpace(c.SourceID); id != "" {
		return "id:" + c.AccountID + ":" + id
	}
	return "nk:" + c.AccountID + "|" + c.Date + "|" + strconv.FormatInt(c.Amount, 10) + "|" + c.Type
}

// AccountSummary is an immutable balance observation.
type AccountSummary struct {
	AccountID          string    // Foreign key to Account
	SnapshotAt         time.Time // Observation time
	Currency           string    // ISO 4217 code
	NetLiquidation     *int64    // Net liquidation value (scaled)
	CashBalance        *int64    // Total cash (scaled)
	GrossPositionValue *int64    // Gross position value (scaled)
	MaintenanceMargin  *int64    // Maintenance margin requirement (scaled)
	InitialMargin      *int64    // Initial margin requirement (scaled)
	ExcessLiquidity    *int64    // Excess liquidity (scaled)
	BuyingPower        *int64    // Buying power (scaled)
	RealizedPnL        *int64    // Period realized P&L (scaled)
	UnrealizedPnL      *int64    // Unrealized P&L at snapshot (scaled)
	Extras             map[string]json.RawMessage
}

func (s AccountSummary) Entity() EntityType { return EntityAccountSummaries }
func (s AccountSummary) Key() string {
	return s.AccountID + "@" + s.SnapshotAt.UTC().Format(time.RFC3339)
}

// -----------------------------------------------------------------------------
// Audit Types
// -----------------------------------------------------------------------------

// SyncRun is the audit record of one sync attempt. Among runs with an
// AdvancesCursor status, the one whose window ends last is the cursor for
// its (Entity, AccountID) key.
type SyncRun struct {
	ID             uuid.UUID  // Primary key
	Entity         EntityType // Entity type synced
	AccountID      string     // Empty for accounts
	From           time.Time  // Window start
	To             time.Time  // Window end
	OverlapSeconds int        // Overlap applied when computing From
	Status         RunStatus  // success, partial or failed
	Fetched        int        // Raw records received
	Written        int        // Records inserted or refined
	Unchanged      int        // Records already stored identically
	Rejected       int        // Records failing normalization or validation
	Divergent      int        // Records conflicting with stored values
	StartedAt      time.Time  // Run start
	CompletedAt    time.Time  // Run end
	Hint           string     // Resolution hint for failed or partial runs
	Error          string     // Failure cause
}

// RecordCount is the number of records the run accounted for.
func (r SyncRun) RecordCount() int {
	return r.Written + r.Unchanged + r.Rejected + r.Divergent
}

// Int64 returns a pointer to v, for optional scaled fields.
func Int64(v int64) *int64 {
	return &v
}
