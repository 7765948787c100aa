package procguard

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

func newTestEngine(t *testing.T) (*TerminationEngine, *Classifier, *SpawnRegistry) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.GracefulTimeout = 20 * time.Millisecond
	cfg.ForcefulTimeout = 20 * time.Millisecond
	classifier := NewClassifier(cfg, hclog.NewNullLogger())
	// Deep inspection sees a harmless, childless process, so only the
	// names each test fakes decide protection (a failed lookup would fail
	// safe to Protected and stop every kill at the first guard).
	classifier.newProcess = func(pid int32) (processHandle, error) {
		return &fakeProcess{name: "harmless.exe"}, nil
	}
	spawns := NewSpawnRegistry(cfg, hclog.NewNullLogger())
	engine := NewTerminationEngine(cfg, classifier, spawns, hclog.NewNullLogger())
	return engine, classifier, spawns
}

func TestKillOneRejectsNonexistentProcess(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.processAlive = func(pid int32) bool { return false }

	_, err := engine.KillOne(context.Background(), 999, KillOptions{})
	if err == nil || err.Kind != KindProcessNotFound {
		t.Fatalf("expected ProcessNotFound, got %v", err)
	}
}

func TestKillOneRejectsProtectedProcess(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.processAlive = func(pid int32) bool { return true }
	engine.name = func(pid int32) (string, error) { return "claude_mcp.exe", nil }

	_, err := engine.KillOne(context.Background(), 1, KillOptions{Force: true, Override: true})
	if err == nil || err.Kind != KindProtectedProcess {
		t.Fatalf("protection guard must reject even with force+override, got %v", err)
	}
}

func TestKillOneRejectsUserSpawnedWithoutOverride(t *testing.T) {
	engine, _, spawns := newTestEngine(t)
	alive := true
	engine.processAlive = func(pid int32) bool { return alive }
	engine.name = func(pid int32) (string, error) { return "node.exe", nil }
	engine.children = func(ctx context.Context, pid int32) ([]int32, error) { return nil, nil }

	rec := &SpawnRecord{WrapperPID: 55, RealPID: 55, Status: SpawnRunning}
	spawns.mu.Lock()
	spawns.records[rec.ID] = rec
	spawns.byPID[55] = rec.ID
	spawns.mu.Unlock()

	_, err := engine.KillOne(context.Background(), 55, KillOptions{})
	if err == nil || err.Kind != KindUserSpawnedGuard {
		t.Fatalf("expected UserSpawnedGuard, got %v", err)
	}

	engine.terminate = func(pid int32, force bool) error {
		if force {
			alive = false
		}
		return nil
	}
	result, err2 := engine.KillOne(context.Background(), 55, KillOptions{Override: true})
	if err2 != nil {
		t.Fatalf("override should bypass the user-spawn guard, got %v", err2)
	}
	if result.State != StateTerminated {
		t.Errorf("expected StateTerminated, got %v", result.State)
	}
}

func TestKillOneRejectsProcessWithChildren(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	alive := true
	engine.processAlive = func(pid int32) bool { return alive }
	engine.name = func(pid int32) (string, error) { return "node.exe", nil }
	engine.children = func(ctx context.Context, pid int32) ([]int32, error) { return []int32{2, 3}, nil }

	_, err := engine.KillOne(context.Background(), 1, KillOptions{})
	if err == nil || err.Kind != KindHasChildren {
		t.Fatalf("expected HasChildren, got %v", err)
	}

	// The has-children guard is the orphan-prevention guard: spec.md
	// §4.5 says it is "not bypassable by force" — the caller must use
	// kill_process_tree instead.
	engine.terminate = func(pid int32, force bool) error {
		alive = false
		return nil
	}
	_, err2 := engine.KillOne(context.Background(), 1, KillOptions{Force: true})
	if err2 == nil || err2.Kind != KindHasChildren {
		t.Fatalf("expected force to still be rejected with HasChildren, got %v", err2)
	}
	_ = alive
}

func TestKillOneDryRunDoesNotTerminate(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.processAlive = func(pid int32) bool { return true }
	engine.name = func(pid int32) (string, error) { return "node.exe", nil }
	engine.children = func(ctx context.Context, pid int32) ([]int32, error) { return nil, nil }

	terminateCalled := false
	engine.terminate = func(pid int32, force bool) error {
		terminateCalled = true
		return nil
	}

	result, err := engine.KillOne(context.Background(), 1, KillOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry run should not error: %v", err)
	}
	if result.State != StateDryRunReported {
		t.Errorf("expected StateDryRunReported, got %v", result.State)
	}
	if terminateCalled {
		t.Error("dry run must never actually call terminate")
	}
}

func TestKillOneEscalatesFromGracefulToForceful(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	alive := true
	engine.processAlive = func(pid int32) bool { return alive }
	engine.name = func(pid int32) (string, error) { return "node.exe", nil }
	engine.children = func(ctx context.Context, pid int32) ([]int32, error) { return nil, nil }

	var calls []bool
	engine.terminate = func(pid int32, force bool) error {
		calls = append(calls, force)
		if force {
			alive = false
		}
		return nil
	}

	result, err := engine.KillOne(context.Background(), 1, KillOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 2 || calls[0] != false || calls[1] != true {
		t.Errorf("expected graceful then forceful escalation, got %v", calls)
	}
	if result.State != StateTerminated {
		t.Errorf("expected StateTerminated, got %v", result.State)
	}
}

func TestKillOneSurfacesPermissionDenied(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.processAlive = func(pid int32) bool { return true }
	engine.name = func(pid int32) (string, error) { return "node.exe", nil }
	engine.children = func(ctx context.Context, pid int32) ([]int32, error) { return nil, nil }
	engine.terminate = func(pid int32, force bool) error { return os.ErrPermission }

	_, err := engine.KillOne(context.Background(), 1, KillOptions{Force: true})
	if err == nil || err.Kind != KindPermissionDenied {
		t.Fatalf("expected PermissionDenied when the OS denies termination, got %v", err)
	}
}

func TestKillTreeRejectsOnProtectedDescendant(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.processAlive = func(pid int32) bool { return true }
	engine.createTime = func(pid int32) (time.Time, error) { return time.Time{}, nil }
	engine.name = func(pid int32) (string, error) {
		if pid == 2 {
			return "claude_mcp.exe", nil
		}
		return "node.exe", nil
	}
	engine.children = func(ctx context.Context, pid int32) ([]int32, error) {
		if pid == 1 {
			return []int32{2}, nil
		}
		return nil, nil
	}

	_, err := engine.KillTree(context.Background(), 1, KillOptions{Force: true})
	if err == nil || err.Kind != KindProtectedDescendant {
		t.Fatalf("expected ProtectedDescendant even with force, got %v", err)
	}
}

func TestKillTreeKillsDescendantsBeforeRoot(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	alive := map[int32]bool{1: true, 2: true, 3: true, 4: true}
	engine.processAlive = func(pid int32) bool { return alive[pid] }
	engine.createTime = func(pid int32) (time.Time, error) { return time.Time{}, nil }
	engine.name = func(pid int32) (string, error) { return "node.exe", nil }
	// 1 -> 2 -> 3, and 1 -> 4: four total processes (spec.md §8 scenario
	// 1: kill_process_tree on a four-process tree reports processes_killed=4).
	engine.children = func(ctx context.Context, pid int32) ([]int32, error) {
		switch pid {
		case 1:
			return []int32{2, 4}, nil
		case 2:
			return []int32{3}, nil
		default:
			return nil, nil
		}
	}

	var order []int32
	engine.terminate = func(pid int32, force bool) error {
		order = append(order, pid)
		alive[pid] = false
		return nil
	}

	result, err := engine.KillTree(context.Background(), 1, KillOptions{Force: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Terminated) != 4 {
		t.Fatalf("expected processes_killed=4, got %d (%v)", len(result.Terminated), result.Terminated)
	}
	if result.Method != "Manual" {
		t.Errorf("expected Manual method absent a job object, got %q", result.Method)
	}
	if len(result.Tree) != 4 {
		t.Errorf("expected tree of 4 pid/name pairs, got %v", result.Tree)
	}

	// The root (pid 1) must never be killed before its descendants.
	rootIdx := -1
	for i, pid := range order {
		if pid == 1 {
			rootIdx = i
		}
	}
	if rootIdx != len(order)-1 {
		t.Fatalf("expected root pid 1 to be killed last, killed in order %v", order)
	}
}

func TestDescendantSetCapsDepthAndSize(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.cfg.MaxTreeDepth = 2
	engine.cfg.MaxTreeDescendants = 3
	engine.createTime = func(pid int32) (time.Time, error) { return time.Time{}, nil }
	// Each process has exactly one child: pid -> pid+1, unbounded chain.
	engine.children = func(ctx context.Context, pid int32) ([]int32, error) {
		return []int32{pid + 1}, nil
	}

	out, overflow := engine.descendantSet(context.Background(), 1)
	if len(out) > engine.cfg.MaxTreeDescendants {
		t.Errorf("descendantSet exceeded MaxTreeDescendants: got %d", len(out))
	}
	if overflow {
		t.Errorf("depth cap of 2 should prevent reaching the size cap, got overflow=true")
	}
}

func TestDescendantSetReportsOverflow(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.cfg.MaxTreeDepth = 16
	engine.cfg.MaxTreeDescendants = 3
	engine.createTime = func(pid int32) (time.Time, error) { return time.Time{}, nil }
	engine.children = func(ctx context.Context, pid int32) ([]int32, error) {
		return []int32{pid + 1}, nil
	}

	out, overflow := engine.descendantSet(context.Background(), 1)
	if !overflow {
		t.Fatalf("expected overflow=true for an unbounded chain past MaxTreeDescendants")
	}
	if len(out) != engine.cfg.MaxTreeDescendants {
		t.Errorf("expected out truncated to %d, got %d", engine.cfg.MaxTreeDescendants, len(out))
	}
}
