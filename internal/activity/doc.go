// Package activity narrates report progress for the caller. Entries flow
// through a non-blocking Hub that batches them on a background goroutine and
// fans them out to sinks such as the activity store, the service log, or
// Prometheus counters.
package activity
