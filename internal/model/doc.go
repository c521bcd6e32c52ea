// Package model defines the canonical records shared by the normalizer,
// validator, storage adapters and orchestrator.
//
// Conventions:
//   - Money, quantities, strikes and multipliers: int64 scaled by money.Factor
//     (1,000,000); optional amounts are *int64
//   - Timestamps: time.Time in UTC
//   - Cash transaction dates: civil dates formatted 2006-01-02
//   - Unrecognized source fields travel in Extras, byte-for-byte
package model
