package procguard

import "fmt"

// Kind is the error taxonomy from spec.md §7. It is a classification, not
// a type name: every component returns a typed failure rather than
// aborting, and the dispatcher never converts a typed failure into
// KindInternal.
type Kind int

const (
	KindProcessNotFound Kind = iota
	KindProtectedProcess
	KindProtectedDescendant
	KindUserSpawnedGuard
	KindHasChildren
	KindPermissionDenied
	KindTerminationFailed
	KindInvalidArgument
	KindCommandNotAllowed
	KindTimeout
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindProcessNotFound:
		return "ProcessNotFound"
	case KindProtectedProcess:
		return "ProtectedProcess"
	case KindProtectedDescendant:
		return "ProtectedDescendant"
	case KindUserSpawnedGuard:
		return "UserSpawnedGuard"
	case KindHasChildren:
		return "HasChildren"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindTerminationFailed:
		return "TerminationFailed"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindCommandNotAllowed:
		return "CommandNotAllowed"
	case KindTimeout:
		return "Timeout"
	case KindInternal:
		return "Internal"
	default:
		return "Internal"
	}
}

// Error is procguard's typed failure. Every error body carries a concrete
// remediation suggestion (spec.md §7: "no error may be returned without a
// concrete remediation suggestion") and a developer hint explaining why
// the guard exists.
type Error struct {
	Kind          Kind
	Suggestion    string
	DeveloperHint string
	// Cause is the underlying error, if any, for logging; never exposed
	// to the caller directly.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func errProcessNotFound(pid int32) *Error {
	return &Error{
		Kind:          KindProcessNotFound,
		Suggestion:    fmt.Sprintf("process %d no longer exists; call find_process to refresh your view", pid),
		DeveloperHint: "the target PID exited or was never valid; classification and termination both refuse to act on an unresolved PID",
	}
}

func errProtectedProcess(reason ProtectionReason) *Error {
	return &Error{
		Kind:          KindProtectedProcess,
		Suggestion:    "this process hosts infrastructure the tool channel depends on and cannot be terminated by this server",
		DeveloperHint: fmt.Sprintf("protection verdict reason: %s; protected verdicts are never bypassable by force or override", reason),
	}
}

func errProtectedDescendant(pid int32, reason ProtectionReason) *Error {
	return &Error{
		Kind:          KindProtectedDescendant,
		Suggestion:    fmt.Sprintf("descendant PID %d is protected; kill_process_tree refuses to touch any protected descendant, even with force", pid),
		DeveloperHint: fmt.Sprintf("protection verdict reason: %s", reason),
	}
}

func errUserSpawnedGuard() *Error {
	return &Error{
		Kind:          KindUserSpawnedGuard,
		Suggestion:    "retry with override=true to bypass the user-spawn guard, or use kill_process_tree",
		DeveloperHint: "this process was spawned by this server's own background-execute path; killing it directly without override risks leaving its children orphaned",
	}
}

func errHasChildren(children []int32) *Error {
	return &Error{
		Kind:          KindHasChildren,
		Suggestion:    "use kill_process_tree to terminate the entire tree",
		DeveloperHint: fmt.Sprintf("process has %d live child process(es); killing the parent alone would orphan them and leak any ports they hold", len(children)),
	}
}

func errPermissionDenied(op string) *Error {
	return &Error{
		Kind:          KindPermissionDenied,
		Suggestion:    "retry with elevated privileges",
		DeveloperHint: fmt.Sprintf("the OS denied %s; this is surfaced distinctly from ProcessNotFound because the process may still be killable by an elevated caller", op),
	}
}

func errTerminationFailed(pid int32) *Error {
	return &Error{
		Kind:          KindTerminationFailed,
		Suggestion:    "the process survived both graceful and forceful termination; investigate whether it is holding kernel resources that block exit",
		DeveloperHint: fmt.Sprintf("pid %d was still alive after the full graceful->forceful escalation window", pid),
	}
}

func errInvalidArgument(reason string) *Error {
	return &Error{
		Kind:          KindInvalidArgument,
		Suggestion:    "correct the request and retry",
		DeveloperHint: reason,
	}
}

func errCommandNotAllowed() *Error {
	return &Error{
		Kind:          KindCommandNotAllowed,
		Suggestion:    "use an allow-listed command or ask an operator to extend the whitelist",
		DeveloperHint: "command-whitelist validation is owned by the external validator collaborator; the core only ever sees a pre-validated command",
	}
}

func errTimeout(op string) *Error {
	return &Error{
		Kind:          KindTimeout,
		Suggestion:    "retry; if this persists the host may be under unusually heavy process churn",
		DeveloperHint: fmt.Sprintf("%s exceeded its latency budget", op),
	}
}

func errInternal(cause error) *Error {
	return &Error{
		Kind:          KindInternal,
		Suggestion:    "retry; if this persists check the debug log for details",
		DeveloperHint: "an unexpected condition occurred; full detail was written to the debug log and redacted here",
		Cause:         cause,
	}
}
