package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rickgao/ibkr-data/internal/model"
	"github.com/rickgao/ibkr-data/internal/storage"
)

// persist writes the accepted records through w and tallies the outcomes.
// Only w may be used here; the store's own methods would wait on the
// connection the transaction holds.
func (o *Orchestrator) persist(ctx context.Context, logger *slog.Logger, w storage.Writer, batch []model.Record, res *Result) error {
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, div, err := write(ctx, logger, w, rec)
		if err != nil {
			return fmt.Errorf("persist %s %s: %w", rec.Entity(), rec.Key(), err)
		}
		switch {
		case div != nil:
			res.Run.Divergent++
			res.Divergences = append(res.Divergences, div)
			logger.Warn("record diverges from stored row", "key", div.Key, "fields", div.Fields)
		case out == storage.Unchanged:
			res.Run.Unchanged++
		default:
			res.Run.Written++
		}
	}
	return nil
}

func write(ctx context.Context, logger *slog.Logger, w storage.Writer, rec model.Record) (storage.Outcome, *storage.Divergence, error) {
	switch r := rec.(type) {
	case model.Account:
		return w.UpsertAccount(ctx, r)
	case model.PositionSnapshot:
		if err := upsertInstrument(ctx, logger, w, r.Instrument); err != nil {
			return 0, nil, err
		}
		return w.InsertPositionSnapshot(ctx, r)
	case model.Execution:
		if err := upsertInstrument(ctx, logger, w, r.Instrument); err != nil {
			return 0, nil, err
		}
		return w.UpsertExecution(ctx, r)
	case model.CashTransaction:
		return w.UpsertCashTransaction(ctx, r)
	case model.AccountSummary:
		return w.InsertAccountSummary(ctx, r)
	}
	return 0, nil, fmt.Errorf("unsupported record type %T", rec)
}

// upsertInstrument creates or refines the referenced contract. A contract
// whose core attributes changed keeps its stored values; the referencing
// record is still written.
func upsertInstrument(ctx context.Context, logger *slog.Logger, w storage.Writer, inst model.Instrument) error {
	out, div, err := w.UpsertInstrument(ctx, inst)
	if err != nil {
		return fmt.Errorf("instrument %d: %w", inst.ContractID, err)
	}
	if div != nil {
		logger.Warn("instrument diverges from stored row", "contract_id", inst.ContractID, "fields", div.Fields)
		return nil
	}
	if out == storage.Inserted {
		logger.Debug("new instrument", "contract_id", inst.ContractID, "symbol", inst.Symbol)
	}
	return nil
}
