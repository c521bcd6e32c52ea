// Package api is the client for the Interactive Brokers Client Portal
// gateway REST API.
//
// The gateway runs locally and serves a self-signed certificate:
//   - Default base URL: https://localhost:5000/v1/api
//
// Every call goes through one retry state machine:
//
//	Pending -> Succeeded
//	Pending -> Retrying -> Pending   (timeouts, connection errors, 5xx, 429)
//	Pending -> Failed                (400/404, undecodable payloads, 401/403, attempts exhausted)
//
// A 401 or 403 surfaces as ErrSessionInvalid so the caller can stop the
// whole sync cycle and ask for a new login instead of retrying.
package api
