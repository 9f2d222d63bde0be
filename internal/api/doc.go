// Package api hosts the HTTP handlers that front the stream job manager.
//
// Handler exposes start, cancel, stop, status and history endpoints under
// /api/streams plus a /healthz probe. Caller identity arrives in the
// X-Owner-Id header from the upstream gateway; this package trusts it and
// only checks that the addressed stream belongs to that owner. When a
// control token hash is configured every /api request must also present
// the matching bearer token.
//
// Handlers never wait for a job's outcome. Start, cancel and stop report
// synchronous acceptance. The eventual status is observed through the
// status endpoint or the dashboard feed.
package api
