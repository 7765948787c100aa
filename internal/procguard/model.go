package procguard

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProtectionReason enumerates why a process was classified as protected.
//
// The zero value, NotProtected, means the process may be killed subject to
// the other guards in the Termination Engine.
type ProtectionReason int

const (
	NotProtected ProtectionReason = iota
	PatternMatch
	ParentProtected
	ChildProtected
	ScriptContent
	SystemCritical
	UnknownProtection
)

func (r ProtectionReason) String() string {
	switch r {
	case NotProtected:
		return "NotProtected"
	case PatternMatch:
		return "PatternMatch"
	case ParentProtected:
		return "ParentProtected"
	case ChildProtected:
		return "ChildProtected"
	case ScriptContent:
		return "ScriptContent"
	case SystemCritical:
		return "SystemCritical"
	case UnknownProtection:
		return "Unknown"
	default:
		return "Unknown"
	}
}

// Tier is the process-inspector detail level requested by a caller.
type Tier string

const (
	TierInstant Tier = "instant"
	TierQuick   Tier = "quick"
	TierSmart   Tier = "smart"
	TierFull    Tier = "full"
)

// ProcessDescriptor is the canonical process snapshot exposed to callers.
type ProcessDescriptor struct {
	PID              int32     `json:"pid"`
	Name             string    `json:"name"`
	CommandLine      string    `json:"command_line,omitempty"`
	Cwd              string    `json:"cwd,omitempty"`
	ParentPID        int32     `json:"parent_pid"`
	CreatedAt        time.Time `json:"created_at"`
	MemoryBytes      uint64    `json:"memory_bytes"`
	MemoryMB         float64   `json:"memory_mb"`
	MemoryHuman      string    `json:"memory_human"`
	CPUPercent       *float64  `json:"cpu_percent,omitempty"`
	ThreadCount      int32     `json:"thread_count"`
	Children         []int32   `json:"children,omitempty"`
	Protected        bool      `json:"protected"`
	ProtectionReason string    `json:"protection_reason"`
	UserSpawned      bool      `json:"user_spawned"`
}

// formatMemory renders memoryBytes per spec.md §6: base-2 MB below 1024 MB,
// base-2 GB at or above, both with two decimal places.
func formatMemory(memoryBytes uint64) (mb float64, human string) {
	const mib = 1024.0 * 1024.0
	mb = float64(memoryBytes) / mib
	if mb < 1024 {
		return mb, fmt.Sprintf("%.2f MB", mb)
	}
	gb := mb / 1024.0
	return mb, fmt.Sprintf("%.2f GB", gb)
}

// newProcessDescriptor builds a descriptor from raw fields, computing the
// derived memory representations.
func newProcessDescriptor(pid, parentPID int32, name, cmdline, cwd string, created time.Time, memBytes uint64, threads int32) ProcessDescriptor {
	mb, human := formatMemory(memBytes)
	return ProcessDescriptor{
		PID:         pid,
		Name:        name,
		CommandLine: cmdline,
		Cwd:         cwd,
		ParentPID:   parentPID,
		CreatedAt:   created,
		MemoryBytes: memBytes,
		MemoryMB:    mb,
		MemoryHuman: human,
		ThreadCount: threads,
	}
}

// ParseMemoryHuman parses a string produced by formatMemory back into MB,
// used only by tests to assert monotonicity (spec.md §8 invariant 6).
func ParseMemoryHuman(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, fmt.Errorf("malformed memory string %q", s)
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed memory value %q: %w", s, err)
	}
	switch fields[1] {
	case "MB":
		return v, nil
	case "GB":
		return v * 1024.0, nil
	default:
		return 0, fmt.Errorf("unknown memory unit %q", fields[1])
	}
}

// PortStatus is the liveness state of a watched port.
type PortStatus string

const (
	PortActive   PortStatus = "active"
	PortInactive PortStatus = "inactive"
	PortUnknown  PortStatus = "unknown"
)

// PortEntry describes one watched or ad-hoc TCP port.
type PortEntry struct {
	Port            uint16              `json:"port"`
	ServiceLabel    string              `json:"service_label"`
	Status          PortStatus          `json:"status"`
	OwningProcess   *ProcessDescriptor  `json:"owning_process,omitempty"`
	ExtraProcesses  []int32             `json:"extra_processes,omitempty"`
}

// ResponseEnvelope is the shape every core operation returns: success and
// elapsed_seconds always, then either a typed payload or the three error
// fields required by spec.md §7 (every error carries a short
// classification, a concrete remediation suggestion, and the reason the
// guard exists).
type ResponseEnvelope struct {
	Success        bool        `json:"success"`
	ElapsedSeconds float64     `json:"elapsed_seconds"`
	Payload        interface{} `json:"payload,omitempty"`
	Error          string      `json:"error,omitempty"`
	Suggestion     string      `json:"suggestion,omitempty"`
	DeveloperHint  string      `json:"developer_hint,omitempty"`
}

// SuccessEnvelope builds a successful response envelope.
func SuccessEnvelope(elapsed time.Duration, payload interface{}) ResponseEnvelope {
	return ResponseEnvelope{
		Success:        true,
		ElapsedSeconds: elapsed.Seconds(),
		Payload:        payload,
	}
}

// FailureEnvelope builds a failed response envelope from a typed Error.
func FailureEnvelope(elapsed time.Duration, err *Error) ResponseEnvelope {
	return ResponseEnvelope{
		Success:        false,
		ElapsedSeconds: elapsed.Seconds(),
		Error:          err.Kind.String(),
		Suggestion:     err.Suggestion,
		DeveloperHint:  err.DeveloperHint,
	}
}
