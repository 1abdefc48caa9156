// Package api implements the read-only HTTP status API of the relay bridge.
//
// Routes:
//
//	GET /api/v1/health                      service, broker, dependency and module link status
//	GET /api/v1/modules                     relay module connection statuses
//	GET /api/v1/switches                    every channel with its last published state
//	GET /api/v1/switches/{key}              one channel
//	GET /api/v1/switches/{key}/history      journal entries, newest first (limit, since)
//
// Middleware: request ID, request logging, panic recovery, body size limit.
//
// # Graceful Degradation
//
// The server runs without the broker and without the journal. Health then
// reports "degraded" and the history endpoint answers 503. Dependency
// checks (broker ping, database, InfluxDB) are listed under "checks"; any
// failure also reports "degraded".
package api
