// Package orchestrator runs sync cycles: compute the fetch window from the
// cursor, fetch from the gateway, normalize, validate, and persist the
// accepted records together with the run record in one transaction.
//
// Each (entity type, account) key is synced by at most one goroutine at a
// time. Different keys run concurrently under SyncAll.
//
// A run ends in one of three statuses:
//
//	success  every fetched record was persisted or already stored
//	partial  some records were rejected or diverged, the rest persisted
//	failed   the fetch failed, or no record could be persisted
//
// Only success and partial runs move the cursor.
package orchestrator
