// Package logship is an asynchronous, batched log-shipping engine. It
// accepts high-throughput log submissions from an application and durably
// delivers them to a MongoDB-compatible document database, amortizing
// network cost through batching and staying alive under transient database
// failure.
//
// The package is built from three cooperating pieces: a connection manager
// that owns the single database handle behind a circuit breaker, a batch
// manager that stages entries per destination collection and flushes them
// in bulk with retry and a dead-letter path, and an ingress service that
// timestamps and routes producer submissions into the batch manager. New
// wires all three together behind a single Service.
package logship
