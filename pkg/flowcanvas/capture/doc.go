// Package capture records page animations through a remote browser.
//
// A capture is a durable Record that moves forward through
// pending, processing and then completed or failed. The Orchestrator
// drives a record through its steps with a saga: each acquired resource
// (the processing status, the browser session) pushes a compensation, and a
// failing step unwinds them newest first. Progress is reported to an
// event.Sink, but the Record is the source of truth, so a client that loses
// its stream can poll the store instead.
//
// Stores:
//   - MemoryStore for tests and single-process use
//   - SQLiteStore for durable single-node deployments
//   - RedisStore for records shared between processes
//
// Every store applies status changes as conditional writes, so two runs
// racing for the same record cannot both win.
//
// A record left in pending or processing by a process that exited cannot
// finish. Orchestrator.Recover marks such records failed at startup. It
// assumes a single process per store; instances sharing a store should
// leave it to one of them.
package capture
