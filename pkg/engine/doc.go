// Package engine runs archstate state files.
//
// A state file is a list of StateDecl values. Each names a state function
// ("appimage.installed", "aurpkg.installed", "makepkg.installed") registered in a
// Registry, plus its arguments and requisites. The Applier orders the states
// with DAGBuilder, checks them against an optional PolicyGate, runs them one by
// one and collects a RunReport.
//
// Every state function returns a StateResult whose Result is true, false or
// none. None is reserved for test mode and means "would change". A state whose
// requisite did not succeed is not run and fails with
// "One or more requisite failed: <ids>".
//
// Errors are classified with EngineError so callers can tell invocation
// problems (INVALID_ARGUMENT) from failed commands (COMMAND_FAILED).
package engine
