package procguard

import (
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
)

// auditLogger is a second, append-only hclog sink dedicated to recording
// every dispatched operation's outcome, independent of the interactive
// logger's level (spec.md §6: "a durable record of every termination
// decision survives past the interactive session"). It always writes
// JSON so the file is mechanically parseable later.
type auditLogger struct {
	log  hclog.Logger
	file *os.File
}

// newAuditLogger opens (creating if necessary) an append-only log file at
// path. If path is empty, audit logging is a no-op.
func newAuditLogger(path string) (*auditLogger, error) {
	if path == "" {
		return &auditLogger{}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "procguard.audit",
		Level:      hclog.Debug,
		Output:     f,
		JSONFormat: true,
	})

	return &auditLogger{log: logger, file: f}, nil
}

func (a *auditLogger) record(op Operation, elapsed time.Duration, success bool, err *Error) {
	if a.log == nil {
		return
	}
	args := []interface{}{
		"operation", operationLabel(op),
		"elapsed_seconds", elapsed.Seconds(),
		"success", success,
	}
	if err != nil {
		args = append(args, "error_kind", err.Kind.String(), "suggestion", err.Suggestion)
		a.log.Warn("operation completed", args...)
		return
	}
	a.log.Info("operation completed", args...)
}

func (a *auditLogger) close() error {
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}

// auditLog is Server's convenience wrapper over its auditLogger.
func (s *Server) auditLog(op Operation, elapsed time.Duration, success bool, err *Error) {
	if s.audit == nil {
		return
	}
	s.audit.record(op, elapsed, success, err)
	s.metrics.observeTermination(terminationStateFor(op, success, err))
}

// terminationStateFor derives a coarse outcome label for non-termination
// operations too, so operationTotal/terminationOutcome stay consistent
// even for read-only operations like find_process.
func terminationStateFor(op Operation, success bool, err *Error) TerminationState {
	if op != OpKillProcess && op != OpKillProcessTree && op != OpCleanupUserProcesses {
		if success {
			return StateResolved
		}
		return StateRejected
	}
	if success {
		return StateTerminated
	}
	if err != nil && err.Kind == KindTerminationFailed {
		return StatePartialFailure
	}
	return StateRejected
}
