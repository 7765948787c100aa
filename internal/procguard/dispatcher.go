package procguard

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Operation is the closed set of core tool-dispatcher operations spec.md
// §9 asks for as a tagged variant in place of string routing, so an
// unhandled case is a compile-time-visible switch gap rather than a
// runtime "unknown method" fallback.
type Operation int

const (
	OpFindProcess Operation = iota
	OpKillProcess
	OpKillProcessTree
	OpCheckPorts
	OpDevStatus
	OpServerStatus
	OpFindProcessByPort
	OpCleanupUserProcesses
)

// Request is a decoded, already-validated tool invocation. Only the
// group of parameter fields commented with Op's operation is meaningful;
// the transport layer is responsible for decoding a wire request into
// this shape.
type Request struct {
	Op Operation

	// find_process / ps
	NameFilter      string
	Tier            Tier
	IncludeArgs     bool
	ShowFullCmdline bool

	// kill_process / kill, kill_process_tree / killall
	PID      int32
	Force    bool
	Override bool
	DryRun   bool

	// check_ports / netstat
	Ports []uint16

	// find_process_by_port
	Port uint16
}

// Dispatch routes req to the matching operation, times it, records
// metrics, and always returns a populated ResponseEnvelope — callers
// never need to distinguish a dispatcher-level failure from an
// operation-level one (spec.md §6: "one envelope shape for everything").
func (s *Server) Dispatch(ctx context.Context, req Request) ResponseEnvelope {
	start := time.Now()

	payload, opErr := s.route(ctx, req)

	elapsed := time.Since(start)
	s.metrics.observeOperation(req.Op, elapsed, opErr == nil)

	if opErr != nil {
		s.auditLog(req.Op, elapsed, false, opErr)
		return FailureEnvelope(elapsed, opErr)
	}
	s.auditLog(req.Op, elapsed, true, nil)
	return SuccessEnvelope(elapsed, payload)
}

func (s *Server) route(ctx context.Context, req Request) (interface{}, *Error) {
	switch req.Op {
	case OpFindProcess:
		return s.findProcess(ctx, req)
	case OpKillProcess:
		return s.killProcess(ctx, req)
	case OpKillProcessTree:
		return s.killProcessTree(ctx, req)
	case OpCheckPorts:
		return s.checkPorts(ctx, req)
	case OpDevStatus:
		return s.devStatus(ctx, req)
	case OpServerStatus:
		return s.serverStatus(ctx, req)
	case OpFindProcessByPort:
		return s.findProcessByPort(ctx, req)
	case OpCleanupUserProcesses:
		return s.cleanupUserProcesses(ctx, req)
	default:
		return nil, errInvalidArgument("unknown operation")
	}
}

// FindProcessResult is the payload for find_process / ps.
type FindProcessResult struct {
	Processes []ProcessDescriptor `json:"processes"`
	Count     int                 `json:"count"`
}

func (s *Server) findProcess(ctx context.Context, req Request) (interface{}, *Error) {
	tier := req.Tier
	if tier == "" {
		tier = TierSmart
	}

	// A query that parses as an exact PID integer matches by PID
	// equality instead of substring, and is exempt from the minimum
	// query length below (spec.md §4.2). An empty query lists every
	// process (no query at all, as distinct from a too-short one).
	filter := ProcessFilter{NameContains: req.NameFilter, MatchCmdline: req.IncludeArgs}
	if pid, ok := parseExactPID(req.NameFilter); ok {
		filter = ProcessFilter{PID: pid}
	} else if req.NameFilter != "" && len(req.NameFilter) < 2 {
		return nil, errInvalidArgument("name must be at least 2 characters, or an exact PID")
	}

	if budget, ok := s.cfg.TierBudget[tier]; ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	procs, err := s.inspector.List(ctx, tier, filter, req.ShowFullCmdline, s.spawns.IsUserSpawned)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errTimeout("find_process")
		}
		return nil, errInternal(err)
	}
	return FindProcessResult{Processes: procs, Count: len(procs)}, nil
}

// parseExactPID reports whether q is entirely a base-10 integer, in
// which case find_process matches by PID equality rather than name
// substring (spec.md §4.2).
func parseExactPID(q string) (int32, bool) {
	if q == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(q, 10, 32)
	if err != nil || n <= 0 {
		return 0, false
	}
	return int32(n), true
}

// KillProcessResult is the payload for kill_process / kill (spec.md §6):
// a human-readable outcome message plus the termination method actually
// used ("Graceful" or "Forceful"), or — for dry runs — the method that
// would be used.
type KillProcessResult struct {
	Message string `json:"message"`
	Method  string `json:"method"`
}

func killProcessResultFrom(pid int32, r TerminationResult) KillProcessResult {
	if r.DryRun {
		return KillProcessResult{
			Message: fmt.Sprintf("dry run: process %d would be terminated via %s termination", pid, r.Method),
			Method:  r.Method,
		}
	}
	return KillProcessResult{
		Message: fmt.Sprintf("process %d terminated via %s termination", pid, r.Method),
		Method:  r.Method,
	}
}

// KillProcessTreeResult is the payload for kill_process_tree / killall
// (spec.md §6): the count of processes actually terminated, the tree of
// (pid, name) pairs involved, and the mechanism used to terminate them.
type KillProcessTreeResult struct {
	ProcessesKilled int       `json:"processes_killed"`
	Tree            []PidName `json:"tree"`
	Method          string    `json:"method"`
}

func killProcessTreeResultFrom(r TerminationResult) KillProcessTreeResult {
	return KillProcessTreeResult{
		ProcessesKilled: len(r.Terminated),
		Tree:            r.Tree,
		Method:          r.Method,
	}
}

func (s *Server) killProcess(ctx context.Context, req Request) (interface{}, *Error) {
	if req.PID <= 0 {
		return nil, errInvalidArgument("pid must be a positive integer")
	}
	result, err := s.termination.KillOne(ctx, req.PID, KillOptions{Force: req.Force, Override: req.Override, DryRun: req.DryRun})
	if err != nil {
		return nil, err
	}
	return killProcessResultFrom(req.PID, result), nil
}

func (s *Server) killProcessTree(ctx context.Context, req Request) (interface{}, *Error) {
	if req.PID <= 0 {
		return nil, errInvalidArgument("pid must be a positive integer")
	}
	result, err := s.termination.KillTree(ctx, req.PID, KillOptions{Force: req.Force, Override: req.Override, DryRun: req.DryRun})
	if err != nil {
		return nil, err
	}
	return killProcessTreeResultFrom(result), nil
}

// CheckPortsResult is the payload for check_ports / netstat.
type CheckPortsResult struct {
	Ports []PortEntry `json:"ports"`
}

func (s *Server) checkPorts(ctx context.Context, req Request) (interface{}, *Error) {
	entries, err := s.portscan.Scan(ctx, req.Ports, s.spawns.IsUserSpawned)
	if err != nil {
		return nil, errInternal(err)
	}
	return CheckPortsResult{Ports: entries}, nil
}

// FindProcessByPortResult is the payload for find_process_by_port.
type FindProcessByPortResult struct {
	Port PortEntry `json:"port"`
}

func (s *Server) findProcessByPort(ctx context.Context, req Request) (interface{}, *Error) {
	if req.Port == 0 {
		return nil, errInvalidArgument("port must be between 1 and 65535")
	}
	entry, err := s.portscan.FindByPort(ctx, req.Port, s.spawns.IsUserSpawned)
	if err != nil {
		return nil, errInternal(err)
	}
	return FindProcessByPortResult{Port: entry}, nil
}

// DevStatusResult is the payload for dev_status / status: a combined view
// of watched ports and this server's own spawned processes, the common
// "what is my dev environment doing" query.
type DevStatusResult struct {
	Ports  []PortEntry   `json:"ports"`
	Spawns []SpawnRecord `json:"spawns"`
}

func (s *Server) devStatus(ctx context.Context, req Request) (interface{}, *Error) {
	ports, err := s.portscan.Scan(ctx, nil, s.spawns.IsUserSpawned)
	if err != nil {
		return nil, errInternal(err)
	}
	return DevStatusResult{Ports: ports, Spawns: s.spawns.All()}, nil
}

// ServerStatusResult is the payload for server_status: this server's own
// operational health, distinct from dev_status's view of the developer's
// environment.
type ServerStatusResult struct {
	Uptime        float64             `json:"uptime_seconds"`
	CacheEntries  int                 `json:"protection_cache_entries"`
	ActiveSpawns  int                 `json:"active_spawns"`
	SpawnRecords  []SpawnRecord       `json:"spawn_records"`
}

func (s *Server) serverStatus(ctx context.Context, req Request) (interface{}, *Error) {
	records := s.spawns.All()
	active := 0
	for _, r := range records {
		if r.Status == SpawnRunning {
			active++
		}
	}
	return ServerStatusResult{
		Uptime:       time.Since(s.startedAt).Seconds(),
		CacheEntries: s.classifier.CacheStats(),
		ActiveSpawns: active,
		SpawnRecords: records,
	}, nil
}

// CleanupUserProcessesResult is the payload for cleanup_user_processes:
// kill_tree applied to every spawn record this server still tracks as
// running, in one batch (spec.md §4.4/§4.6: the bulk-teardown operation
// a caller runs when ending a whole development session).
type CleanupUserProcessesResult struct {
	Results map[int32]KillProcessTreeResult `json:"results"`
}

func (s *Server) cleanupUserProcesses(ctx context.Context, req Request) (interface{}, *Error) {
	records := s.spawns.All()
	results := make(map[int32]KillProcessTreeResult, len(records))
	for _, rec := range records {
		if rec.Status != SpawnRunning {
			continue
		}
		result, err := s.termination.KillTree(ctx, rec.RealPID, KillOptions{Force: req.Force, Override: true, DryRun: req.DryRun})
		if err != nil {
			results[rec.RealPID] = KillProcessTreeResult{}
			continue
		}
		results[rec.RealPID] = killProcessTreeResultFrom(result)
	}
	return CleanupUserProcessesResult{Results: results}, nil
}
