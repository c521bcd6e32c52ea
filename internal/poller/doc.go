// Package poller implements the scheduled sync loop.
//
// The poller:
//   - Runs a full sync cycle on a cron schedule (every 15 minutes by default)
//   - Skips a tick while the previous cycle is still running
//   - Bounds each cycle with a timeout
//   - Keeps a status summary for the HTTP status endpoint
package poller
