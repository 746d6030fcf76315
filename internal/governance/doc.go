// Package governance holds the resource controls of the request pipeline:
// keep-alive quota leases, per-factory rate limiting, circuit breaking for
// privileged observers, and stage timeouts for request lifecycles.
//
// Quota accounting is the hot path. Each frame scope has its own lock so that
// unrelated scopes never contend, and leases release idempotently.
package governance
