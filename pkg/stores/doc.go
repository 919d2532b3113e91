// Package stores keeps the run history of archstate in SQLite: one row per
// apply run, the result of every state in it, and an append-only event log.
// The schema is embedded and applied with golang-migrate. Recorder plugs the
// store into the applier as an engine.RunRecorder.
package stores
