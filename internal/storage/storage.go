// Package storage defines the persistence adapter used by the sync
// orchestrator. Implementations live in subpackages.
//
// All writes are idempotent: inserting a record whose natural key already
// exists is not an error. It yields Unchanged when the stored row matches
// and Diverged when it does not, so a rerun over an overlapping window
// never duplicates rows and never silently overwrites history.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rickgao/ibkr-data/internal/model"
)

// ErrDataDivergence matches any *Divergence.
var ErrDataDivergence = errors.New("stored record differs from incoming record")

// Outcome is the result of one idempotent write.
type Outcome int

const (
	Inserted  Outcome = iota // New row
	Unchanged                // Row existed with identical content
	Updated                  // Mutable attributes refreshed (accounts, instruments)
	Diverged                 // Row existed with different immutable content; kept as stored
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Diverged:
		return "diverged"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Written reports whether the outcome changed stored state.
func (o Outcome) Written() bool {
	return o == Inserted || o == Updated
}

// Divergence describes an incoming record that conflicts with the stored
// row for the same natural key.
type Divergence struct {
	Entity model.EntityType
	Key    string
	Fields []string // Names of differing columns, sorted
}

func (d *Divergence) Error() string {
	return fmt.Sprintf("%s %s diverges from stored row in %s", d.Entity, d.Key, strings.Join(d.Fields, ", "))
}

func (d *Divergence) Is(target error) bool { return target == ErrDataDivergence }

// NewDivergence builds a Divergence with sorted field names.
func NewDivergence(entity model.EntityType, key string, fields []string) *Divergence {
	fs := append([]string(nil), fields...)
	sort.Strings(fs)
	return &Divergence{Entity: entity, Key: key, Fields: fs}
}

// Writer persists canonical records. Each call is atomic; the orchestrator
// groups calls with Store.WithTx.
type Writer interface {
	UpsertAccount(ctx context.Context, a model.Account) (Outcome, *Divergence, error)
	UpsertInstrument(ctx context.Context, i model.Instrument) (Outcome, *Divergence, error)
	InsertPositionSnapshot(ctx context.Context, p model.PositionSnapshot) (Outcome, *Divergence, error)
	UpsertExecution(ctx context.Context, e model.Execution) (Outcome, *Divergence, error)
	UpsertCashTransaction(ctx context.Context, c model.CashTransaction) (Outcome, *Divergence, error)
	InsertAccountSummary(ctx context.Context, s model.AccountSummary) (Outcome, *Divergence, error)
	InsertSyncRun(ctx context.Context, run model.SyncRun) error
}

// Reader answers the queries the orchestrator, the validator context and
// the status surfaces need.
type Reader interface {
	// LastCompletedRun returns the success or partial run for the key whose
	// window ends last, or nil if there is none.
	LastCompletedRun(ctx context.Context, entity model.EntityType, accountID string) (*model.SyncRun, error)
	RecentRuns(ctx context.Context, limit int) ([]model.SyncRun, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	// GetAccount returns nil when the account has never been synced.
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	CurrentPositions(ctx context.Context, accountID string) ([]model.PositionSnapshot, error)
	LatestAccountSummary(ctx context.Context, accountID string) (*model.AccountSummary, error)

	// ExecutionTimes returns the stored timestamps of the given execution ids.
	ExecutionTimes(ctx context.Context, execIDs []string) (map[string]time.Time, error)
	// PositionPnLHistory returns unrealized P&L per HistoryKey, oldest first,
	// at most limit points per key.
	PositionPnLHistory(ctx context.Context, accountID string, limit int) (map[string][]int64, error)
	// SummaryPnLHistory returns the account's unrealized P&L, oldest first.
	SummaryPnLHistory(ctx context.Context, accountID string, limit int) ([]int64, error)

	Count(ctx context.Context, entity model.EntityType) (int64, error)
	Ping(ctx context.Context) error
}

// Store is a Reader and Writer with transactions.
type Store interface {
	Reader
	Writer

	// WithTx runs fn inside one transaction. fn's error rolls back.
	WithTx(ctx context.Context, fn func(Writer) error) error
	Close() error
}
