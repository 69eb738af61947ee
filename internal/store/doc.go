// Package store adapts the persistent call-session table and navigation
// action queue.
//
// The store is the single source of truth for everything the per-call loops
// coordinate on: lifecycle state, classification, the transfer_initiated
// flag, and the action queue. Loops always re-read rows rather than caching
// them, so the system stays correct across process restarts. Field ownership
// is split by component (the supervisor writes lifecycle_state, the
// dispatcher writes executed) and Patch updates only touch the fields set on
// them, so concurrent writers to different fields never conflict.
//
// Two implementations: Postgres (pgx) for production and Memory for tests
// and local mode.
package store
