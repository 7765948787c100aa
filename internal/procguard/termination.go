package procguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/process"
)

// errNoJobObject signals that a spawn record has no associated job
// object (non-Windows build, or creation or assignment failed at spawn
// time), so KillTree should fall back to the level-by-level walk.
var errNoJobObject = errors.New("no job object for this spawn")

// errEscalationTimedOut signals that a process survived both the
// graceful and forceful termination windows.
var errEscalationTimedOut = errors.New("termination escalation timed out")

// TerminationState is the explicit state machine spec.md §4.5 requires
// in place of an ad-hoc boolean/error return: Resolved -> Candidates ->
// Terminating -> one terminal state.
type TerminationState string

const (
	StateResolved         TerminationState = "resolved"
	StateCandidates       TerminationState = "candidates"
	StateTerminating      TerminationState = "terminating"
	StateRejected         TerminationState = "rejected"
	StateDryRunReported   TerminationState = "dry_run_reported"
	StateTerminated       TerminationState = "terminated"
	StatePartialFailure   TerminationState = "partial_failure"
)

// PidName pairs a PID with the name it was observed under at
// termination time, the shape spec.md §6 reports kill_process_tree's
// tree in.
type PidName struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
}

// TerminationResult is the outcome of KillOne or KillTree. Method is
// "Graceful"/"Forceful" for KillOne and "JobObject"/"Manual" for
// KillTree (spec.md §6); Tree is populated only by KillTree.
type TerminationResult struct {
	State      TerminationState
	Targets    []int32
	Terminated []int32
	Failed     []int32
	Escalated  bool
	DryRun     bool
	Method     string
	Tree       []PidName
}

// KillOptions controls a single termination request.
type KillOptions struct {
	Force    bool // skip graceful signal, go straight to forceful
	Override bool // bypass the user-spawn guard only; never bypasses protection
	DryRun   bool
}

// TerminationEngine implements kill_one/kill_process and
// kill_tree/kill_process_tree (spec.md §4.5). Every path consults the
// Classifier first; a Protected verdict is never bypassable by Force or
// Override.
type TerminationEngine struct {
	cfg        *Config
	classifier *Classifier
	spawns     *SpawnRegistry
	log        hclog.Logger

	children     func(ctx context.Context, pid int32) ([]int32, error)
	processAlive func(pid int32) bool
	terminate    func(pid int32, force bool) error
	createTime   func(pid int32) (time.Time, error)
	name         func(pid int32) (string, error)
}

func gopsutilChildren(ctx context.Context, pid int32) ([]int32, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	kids, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil, nil
	}
	out := make([]int32, 0, len(kids))
	for _, k := range kids {
		out = append(out, k.Pid)
	}
	return out, nil
}

func gopsutilProcessAlive(pid int32) bool {
	ok, _ := process.PidExists(pid)
	return ok
}

func gopsutilCreateTime(pid int32) (time.Time, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := p.CreateTime()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func gopsutilName(pid int32) (string, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return "", err
	}
	return p.Name()
}

// NewTerminationEngine builds a TerminationEngine.
func NewTerminationEngine(cfg *Config, classifier *Classifier, spawns *SpawnRegistry, log hclog.Logger) *TerminationEngine {
	return &TerminationEngine{
		cfg:          cfg,
		classifier:   classifier,
		spawns:       spawns,
		log:          log.Named("termination"),
		children:     gopsutilChildren,
		processAlive: gopsutilProcessAlive,
		terminate:    platformTerminate,
		createTime:   gopsutilCreateTime,
		name:         gopsutilName,
	}
}

// KillOne terminates exactly pid, honoring the guard ordering from
// spec.md §4.5: protection guard, then user-spawn guard, then
// has-children guard. Each guard can be satisfied only in the order
// given; has_children is checked last because it is the cheapest reason
// to redirect a caller to kill_process_tree instead of escalating force.
func (t *TerminationEngine) KillOne(ctx context.Context, pid int32, opts KillOptions) (TerminationResult, *Error) {
	if !t.processAlive(pid) {
		return TerminationResult{}, errProcessNotFound(pid)
	}

	name, _ := t.name(pid)
	if protected, reason := t.classifier.Classify(ctx, pid, name, t.safeCreateTime(pid)); protected {
		return TerminationResult{State: StateRejected, Targets: []int32{pid}}, errProtectedProcess(reason)
	}

	if t.spawns.IsUserSpawned(pid) && !opts.Override {
		return TerminationResult{State: StateRejected, Targets: []int32{pid}}, errUserSpawnedGuard()
	}

	// Orphan-prevention guard: never bypassable, not even by force. The
	// caller must opt into kill_process_tree instead.
	kids, _ := t.children(ctx, pid)
	if len(kids) > 0 {
		return TerminationResult{State: StateRejected, Targets: []int32{pid}}, errHasChildren(kids)
	}

	result := TerminationResult{State: StateCandidates, Targets: []int32{pid}, DryRun: opts.DryRun}

	if opts.DryRun {
		method := "Graceful"
		if opts.Force {
			method = "Forceful"
		}
		t.log.Info("dry run: would kill process", "outcome", "dry_run_would_"+strings.ToLower(method), "pid", pid)
		result.State = StateDryRunReported
		result.Method = method
		return result, nil
	}

	result.State = StateTerminating
	method, err := t.escalate(ctx, pid, opts.Force)
	if err != nil {
		failure := TerminationResult{State: StatePartialFailure, Targets: []int32{pid}, Failed: []int32{pid}}
		if os.IsPermission(err) {
			return failure, errPermissionDenied("kill_process")
		}
		return failure, errTerminationFailed(pid)
	}

	t.classifier.Evict(pid)
	t.spawns.MarkKilled(pid)
	result.State = StateTerminated
	result.Terminated = []int32{pid}
	result.Method = method
	return result, nil
}

// escalate sends a graceful termination first (unless force is set),
// waits cfg.GracefulTimeout, and if the process is still alive sends a
// forceful termination and waits cfg.ForcefulTimeout. It reports which
// method actually achieved the exit.
func (t *TerminationEngine) escalate(ctx context.Context, pid int32, force bool) (string, error) {
	if !force {
		if err := t.terminate(pid, false); err != nil {
			t.log.Debug("graceful terminate failed, escalating immediately", "pid", pid, "err", err)
		} else if t.waitExit(ctx, pid, t.cfg.GracefulTimeout) {
			return "Graceful", nil
		}
	}

	if err := t.terminate(pid, true); err != nil {
		return "", err
	}
	if t.waitExit(ctx, pid, t.cfg.ForcefulTimeout) {
		return "Forceful", nil
	}
	return "", errEscalationTimedOut
}

func (t *TerminationEngine) waitExit(ctx context.Context, pid int32, budget time.Duration) bool {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if !t.processAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !t.processAlive(pid)
		case <-ticker.C:
		}
	}
	return !t.processAlive(pid)
}

func (t *TerminationEngine) safeCreateTime(pid int32) time.Time {
	ct, err := t.createTime(pid)
	if err != nil {
		return time.Time{}
	}
	return ct
}

// descendantSet walks pid's descendants breadth-first, guarding against
// PID-reuse cycles by tracking (pid, creation-time) pairs rather than
// bare PIDs, and capping both depth and total size (spec.md §4.5:
// maxTreeDepth 16, maxTreeDescendants 1024). overflow reports whether the
// tree has more than MaxTreeDescendants members (spec.md §8: a tree with
// exactly the limit succeeds, one member over is InvalidArgument), in
// which case out is truncated and must not be used for termination.
func (t *TerminationEngine) descendantSet(ctx context.Context, root int32) (out []int32, overflow bool) {
	type queued struct {
		pid   int32
		depth int
	}

	visited := make(map[string]bool)
	key := func(pid int32) string {
		ct, _ := t.createTime(pid)
		return strconv.Itoa(int(pid)) + "@" + ct.String()
	}
	visited[key(root)] = true

	queue := []queued{{pid: root, depth: 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= t.cfg.MaxTreeDepth {
			continue
		}
		kids, err := t.children(ctx, cur.pid)
		if err != nil {
			continue
		}
		for _, k := range kids {
			kkey := key(k)
			if visited[kkey] {
				continue
			}
			visited[kkey] = true
			if len(out) >= t.cfg.MaxTreeDescendants {
				return out, true
			}
			out = append(out, k)
			queue = append(queue, queued{pid: k, depth: cur.depth + 1})
		}
	}
	return out, false
}

// KillTree terminates pid and every live descendant (spec.md §4.5).
// Any protected descendant anywhere in the tree rejects the whole
// operation, even with force: a tree-kill is all-or-nothing with
// respect to protection.
func (t *TerminationEngine) KillTree(ctx context.Context, pid int32, opts KillOptions) (TerminationResult, *Error) {
	if !t.processAlive(pid) {
		return TerminationResult{}, errProcessNotFound(pid)
	}

	name, _ := t.name(pid)
	if protected, reason := t.classifier.Classify(ctx, pid, name, t.safeCreateTime(pid)); protected {
		return TerminationResult{State: StateRejected, Targets: []int32{pid}}, errProtectedProcess(reason)
	}

	names := map[int32]string{pid: name}

	descendants, overflow := t.descendantSet(ctx, pid)
	if overflow {
		return TerminationResult{State: StateRejected, Targets: []int32{pid}}, errInvalidArgument("process tree exceeds the maximum of " + strconv.Itoa(t.cfg.MaxTreeDescendants) + " descendants")
	}
	for _, d := range descendants {
		dname, _ := t.name(d)
		names[d] = dname
		if protected, reason := t.classifier.Classify(ctx, d, dname, t.safeCreateTime(d)); protected {
			return TerminationResult{State: StateRejected, Targets: append([]int32{pid}, descendants...)}, errProtectedDescendant(d, reason)
		}
	}

	if t.spawns.IsUserSpawned(pid) && !opts.Override {
		return TerminationResult{State: StateRejected, Targets: []int32{pid}}, errUserSpawnedGuard()
	}

	targets := append([]int32{pid}, descendants...)
	result := TerminationResult{State: StateCandidates, Targets: targets, DryRun: opts.DryRun}

	hasJobObject := false
	if rec, ok := t.spawns.RecordFor(pid); ok {
		hasJobObject = rec.job != nil
	}
	dryRunMethod := "Manual"
	if hasJobObject {
		dryRunMethod = "JobObject"
	}

	if opts.DryRun {
		t.log.Info("dry run: would kill process tree", "outcome", "dry_run_would_"+strings.ToLower(dryRunMethod), "pid", pid, "descendants", len(descendants))
		result.State = StateDryRunReported
		result.Method = dryRunMethod
		result.Tree = pidNames(targets, names)
		return result, nil
	}

	result.State = StateTerminating

	if rec, ok := t.spawns.RecordFor(pid); ok {
		// This subtree has a job-object handle: prefer the atomic kernel
		// kill over a level-by-level walk. Fall back below if the record
		// has no job (e.g. non-Windows build) or the job kill fails.
		if err := rec.killViaJobObject(); err == nil {
			t.classifier.Evict(pid)
			t.spawns.MarkKilled(pid)
			for _, d := range descendants {
				t.classifier.Evict(d)
				t.spawns.MarkKilled(d)
			}
			result.State = StateTerminated
			result.Terminated = targets
			result.Method = "JobObject"
			result.Tree = pidNames(targets, names)
			return result, nil
		}
	}

	var failed []int32
	var firstFailure error
	escalated := false
	// Kill children before parents so a parent's exit handler cannot
	// respawn a child the walk already passed (spec.md §4.5 edge case).
	// descendantSet returns shallow-to-deep (BFS level order), so the
	// walk here reverses it to deepest-first and kills the root last.
	order := make([]int32, 0, len(descendants)+1)
	for i := len(descendants) - 1; i >= 0; i-- {
		order = append(order, descendants[i])
	}
	order = append(order, pid)
	for _, target := range order {
		if !t.processAlive(target) {
			continue
		}
		method, err := t.escalate(ctx, target, opts.Force)
		if err != nil {
			failed = append(failed, target)
			if firstFailure == nil {
				firstFailure = err
			}
			continue
		}
		t.classifier.Evict(target)
		t.spawns.MarkKilled(target)
		escalated = escalated || method == "Forceful"
	}

	terminated := make([]int32, 0, len(order))
	for _, p := range order {
		if !contains(failed, p) {
			terminated = append(terminated, p)
		}
	}

	result.Terminated = terminated
	result.Failed = failed
	result.Escalated = escalated
	result.Method = "Manual"
	result.Tree = pidNames(terminated, names)

	if len(failed) > 0 {
		result.State = StatePartialFailure
		if os.IsPermission(firstFailure) {
			return result, errPermissionDenied("kill_process_tree")
		}
		return result, errTerminationFailed(failed[0])
	}
	result.State = StateTerminated
	return result, nil
}

// pidNames projects pids to the (pid, name) pairs the kill_process_tree
// wire payload carries, in the same order as pids.
func pidNames(pids []int32, names map[int32]string) []PidName {
	out := make([]PidName, len(pids))
	for i, p := range pids {
		out[i] = PidName{PID: p, Name: names[p]}
	}
	return out
}

func contains(haystack []int32, needle int32) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// killViaJobObject terminates every process in rec's job object, if one
// was created at spawn time.
func (r *SpawnRecord) killViaJobObject() error {
	if r.job == nil {
		return errNoJobObject
	}
	return r.job.terminateAll(1)
}
