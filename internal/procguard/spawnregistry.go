package procguard

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/process"
)

// wrapperResolveWindow is the spec.md §4.4 "1-second window" a wrapper
// shell is given to fork or exec the real target before the registry
// gives up and leaves RealPID pointing at the wrapper itself.
const wrapperResolveWindow = 1 * time.Second

// SpawnStatus is the lifecycle state of one spawn record.
type SpawnStatus string

const (
	SpawnRunning SpawnStatus = "running"
	SpawnExited  SpawnStatus = "exited"
	SpawnFailed  SpawnStatus = "failed"
	// SpawnKilled marks a record the Termination Engine itself
	// terminated, distinct from SpawnExited (the process exited on its
	// own) per spec.md §3's spawn-record status enum.
	SpawnKilled SpawnStatus = "killed"
	// SpawnUnknown covers a liveness probe that could not determine
	// whether the process is still running (e.g. permission denied).
	SpawnUnknown SpawnStatus = "unknown"
)

// SpawnRecord tracks one background process this server started on a
// caller's behalf (spec.md §4.4). WrapperPID is the PID of the process
// this server actually launched (e.g. a shell wrapping the real
// command); RealPID, once resolved, is the PID callers should treat as
// the authoritative process, since many dev-server launchers exec a
// wrapper that then forks the real listener.
type SpawnRecord struct {
	ID         string
	WrapperPID int32
	RealPID    int32
	Command    string
	StartedAt  time.Time
	Status     SpawnStatus
	ExitCode   *int
	job        *jobObject
}

// SpawnRegistry tracks every process this server has spawned so the
// Termination Engine's user-spawn guard and the dev_status/server_status
// operations can answer "did we start this" and "is it still alive"
// (spec.md §4.4, §4.6).
type SpawnRegistry struct {
	cfg *Config
	log hclog.Logger

	mu      sync.Mutex
	records map[string]*SpawnRecord
	byPID   map[int32]string // wrapper or real PID -> record ID

	startCmd func(ctx context.Context, command string, args []string) (*exec.Cmd, error)
	nextID   func() string
	children func(ctx context.Context, pid int32) ([]int32, error)
	nameOf   func(pid int32) (string, error)

	stopReaper chan struct{}
	reaperOnce sync.Once
}

// NewSpawnRegistry builds an empty registry.
func NewSpawnRegistry(cfg *Config, log hclog.Logger) *SpawnRegistry {
	counter := 0
	var counterMu sync.Mutex
	return &SpawnRegistry{
		cfg:     cfg,
		log:     log.Named("spawnregistry"),
		records: make(map[string]*SpawnRecord),
		byPID:   make(map[int32]string),
		startCmd: func(ctx context.Context, command string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			if err := cmd.Start(); err != nil {
				return nil, err
			}
			return cmd, nil
		},
		nextID: func() string {
			counterMu.Lock()
			defer counterMu.Unlock()
			counter++
			return fmt.Sprintf("spawn-%d", counter)
		},
		stopReaper: make(chan struct{}),
		children:   gopsutilChildren,
		nameOf:     gopsutilName,
	}
}

// Spawn launches command (already validated by the external command
// whitelist collaborator per spec.md §4.4 Non-goal) as a background
// process, assigns it to a fresh job object so the whole tree it may
// fork can later be killed atomically, and records it.
func (r *SpawnRegistry) Spawn(ctx context.Context, command string, args []string) (*SpawnRecord, error) {
	job, err := newJobObject()
	if err != nil {
		r.log.Warn("spawn: job object creation failed, falling back to ungrouped spawn", "err", err)
	}

	cmd, err := r.startCmd(ctx, command, args)
	if err != nil {
		return nil, errInternal(fmt.Errorf("spawn %q: %w", command, err))
	}

	wrapperPID := int32(cmd.Process.Pid)
	if job != nil {
		assigned := false
		if h, ok := processNativeHandle(cmd); ok {
			if err := job.assign(h); err != nil {
				r.log.Debug("spawn: job object assignment failed", "pid", wrapperPID, "err", err)
			} else {
				assigned = true
			}
		}
		if !assigned {
			// A job the process never joined cannot kill it: record the
			// spawn as ungrouped so KillTree walks the tree instead.
			job.close()
			job = nil
		}
	}

	rec := &SpawnRecord{
		ID:         r.nextID(),
		WrapperPID: wrapperPID,
		RealPID:    wrapperPID,
		Command:    command,
		StartedAt:  time.Now(),
		Status:     SpawnRunning,
		job:        job,
	}

	r.mu.Lock()
	r.records[rec.ID] = rec
	r.byPID[wrapperPID] = rec.ID
	r.mu.Unlock()

	go r.reapOne(cmd, rec)

	if r.isInterpreter(command) {
		go r.resolveWrappedRealPID(rec)
	}

	return rec, nil
}

// isInterpreter reports whether command names one of cfg.ScriptInterpreterNames,
// the signal spec.md §4.4 uses to decide a spawn shell wraps its real
// target rather than being the target itself.
func (r *SpawnRegistry) isInterpreter(command string) bool {
	base := strings.ToLower(filepath.Base(command))
	for _, n := range r.cfg.ScriptInterpreterNames {
		if strings.ToLower(n) == base {
			return true
		}
	}
	return false
}

// resolveWrappedRealPID implements spec.md §4.4's "On spawn" wrapper
// case: when the spawned process is itself a command interpreter
// (e.g. `cmd /c <real command>`), the interpreter's PID is not the
// long-lived target a caller cares about. This polls the wrapper's
// immediate children for up to wrapperResolveWindow and records the
// first non-interpreter descendant as RealPID; if none appears in
// time, RealPID is left pointing at the wrapper.
func (r *SpawnRegistry) resolveWrappedRealPID(rec *SpawnRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), wrapperResolveWindow)
	defer cancel()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		kids, err := r.children(ctx, rec.WrapperPID)
		if err == nil {
			for _, k := range kids {
				name, err := r.nameOf(k)
				if err == nil && !r.isInterpreter(name) {
					r.ResolveRealPID(rec.WrapperPID, k)
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reapOne waits for the launched command to exit and updates its
// record's terminal status, keeping the record around for
// cfg.SpawnRemovalGrace so a status read racing the exit still observes
// the terminal state (spec.md §4.4).
func (r *SpawnRegistry) reapOne(cmd *exec.Cmd, rec *SpawnRecord) {
	err := cmd.Wait()

	r.mu.Lock()
	if rec.Status != SpawnKilled {
		if err != nil {
			rec.Status = SpawnFailed
		} else {
			rec.Status = SpawnExited
		}
	}
	code := cmd.ProcessState.ExitCode()
	rec.ExitCode = &code
	r.mu.Unlock()

	if rec.job != nil {
		rec.job.close()
	}

	time.Sleep(r.cfg.SpawnRemovalGrace)

	r.mu.Lock()
	delete(r.records, rec.ID)
	delete(r.byPID, rec.WrapperPID)
	if rec.RealPID != rec.WrapperPID {
		delete(r.byPID, rec.RealPID)
	}
	r.mu.Unlock()
}

// ResolveRealPID records that wrapperPID's actual long-lived process is
// realPID, once a caller or resolveWrappedRealPID has determined the
// wrapper exec'd or forked the real listener.
func (r *SpawnRegistry) ResolveRealPID(wrapperPID, realPID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPID[wrapperPID]
	if !ok {
		return
	}
	rec := r.records[id]
	rec.RealPID = realPID
	r.byPID[realPID] = id
}

// IsUserSpawned reports whether pid (wrapper or resolved real PID)
// corresponds to a process this server spawned; it is threaded into the
// Inspector and Termination Engine as the user-spawn guard predicate.
func (r *SpawnRegistry) IsUserSpawned(pid int32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byPID[pid]
	return ok
}

// MarkKilled records that the Termination Engine itself terminated pid,
// so a subsequent server_status read reports Killed rather than Exited
// (spec.md §3). It is a no-op if pid is not a tracked spawn.
func (r *SpawnRegistry) MarkKilled(pid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPID[pid]
	if !ok {
		return
	}
	// The reaper may already have recorded the exit the kill caused, so
	// any status is replaced, not only SpawnRunning.
	if rec := r.records[id]; rec != nil {
		rec.Status = SpawnKilled
	}
}

// RecordFor returns the spawn record owning pid, if any.
func (r *SpawnRegistry) RecordFor(pid int32) (*SpawnRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPID[pid]
	if !ok {
		return nil, false
	}
	rec := r.records[id]
	return rec, rec != nil
}

// All returns a snapshot of every tracked spawn record, used by
// server_status.
func (r *SpawnRegistry) All() []SpawnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SpawnRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// RunReaper starts a background liveness sweep on cfg.SpawnReaperInterval
// that catches processes which exited without the registry's own Wait
// goroutine observing it promptly (e.g. after a job-object group kill
// that bypassed cmd.Wait's signal path on some platforms).
func (r *SpawnRegistry) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SpawnReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopReaper:
			return
		case <-ticker.C:
			r.sweepLiveness()
		}
	}
}

func (r *SpawnRegistry) sweepLiveness() {
	r.mu.Lock()
	candidates := make([]*SpawnRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Status == SpawnRunning {
			candidates = append(candidates, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range candidates {
		exists, _ := process.PidExists(rec.RealPID)
		if exists {
			continue
		}
		r.mu.Lock()
		if rec.Status == SpawnRunning {
			rec.Status = SpawnExited
		}
		r.mu.Unlock()
	}
}

// Stop halts the reaper goroutine started by RunReaper.
func (r *SpawnRegistry) Stop() {
	r.reaperOnce.Do(func() { close(r.stopReaper) })
}
