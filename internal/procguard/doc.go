// Package procguard is the safety-aware process engine for procguard.
//
// procguard solves three recurring developer pain points on Windows
// workstations: orphaned child processes that keep TCP ports bound after a
// parent is killed, accidental termination of the infrastructure processes
// that host the tool channel a developer is using, and opaque, slow process
// enumeration that makes interactive cleanup infeasible.
//
// The package is transport-agnostic: it is driven by an RPC layer (see
// cmd/procguardd and internal/transport) but never imports it. Callers
// construct a Server, which owns a Classifier, an Inspector, a PortScanner,
// a SpawnRegistry, and a TerminationEngine, and call its Dispatch method
// with a decoded request.
//
// # Safety model
//
// Every termination path consults the Classifier first. A Protected
// verdict can never be bypassed, regardless of force or override flags.
// On any uncertainty the Classifier fails safe: Protected, reason Unknown.
package procguard
