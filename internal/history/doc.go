// Package history keeps a local journal of switch states in SQLite.
//
// Every state the relay bridge publishes is recorded with its origin: "bus"
// when a bus value drove the change, "device" when a module status frame
// reported it. The journal backs the status API's history endpoint and
// survives restarts, unlike the in-memory state the bridge keeps.
//
// Retention is handled by a Pruner that periodically deletes entries older
// than the configured age.
package history
