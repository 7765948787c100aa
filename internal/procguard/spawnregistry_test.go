package procguard

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

// TestHelperProcess is not a real test; it is re-executed as a child
// process by tests that need a genuine, short-lived OS process to spawn
// and reap. The GO_WANT_HELPER_PROCESS guard keeps `go test` from
// running it as part of the normal suite.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	time.Sleep(30 * time.Millisecond)
	os.Exit(0)
}

func helperStartCmd(ctx context.Context, command string, args []string) (*exec.Cmd, error) {
	cs := []string{"-test.run=TestHelperProcess", "--"}
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func newTestSpawnRegistry(t *testing.T) *SpawnRegistry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SpawnRemovalGrace = 10 * time.Millisecond
	reg := NewSpawnRegistry(cfg, hclog.NewNullLogger())
	reg.startCmd = helperStartCmd
	return reg
}

func TestSpawnRegistersAndTracksLiveness(t *testing.T) {
	reg := newTestSpawnRegistry(t)
	rec, err := reg.Spawn(context.Background(), "helper", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if rec.Status != SpawnRunning {
		t.Fatalf("expected SpawnRunning immediately after spawn, got %v", rec.Status)
	}
	if !reg.IsUserSpawned(rec.WrapperPID) {
		t.Error("wrapper PID should be recognized as user-spawned immediately")
	}
}

func TestSpawnResolvesWrappedRealPIDFromChildren(t *testing.T) {
	reg := newTestSpawnRegistry(t)
	reg.children = func(ctx context.Context, pid int32) ([]int32, error) {
		return []int32{9001, 9002}, nil
	}
	reg.nameOf = func(pid int32) (string, error) {
		if pid == 9001 {
			return "cmd.exe", nil
		}
		return "node.exe", nil
	}

	rec, err := reg.Spawn(context.Background(), "cmd", []string{"/c", "node server.js"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := reg.RecordFor(rec.WrapperPID); ok && got.RealPID == 9002 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected RealPID to resolve to the first non-interpreter child (9002)")
}

func TestSpawnResolveRealPIDReindexes(t *testing.T) {
	reg := newTestSpawnRegistry(t)
	rec, err := reg.Spawn(context.Background(), "helper", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	realPID := rec.WrapperPID + 10000
	reg.ResolveRealPID(rec.WrapperPID, realPID)

	if !reg.IsUserSpawned(realPID) {
		t.Error("resolved real PID should be recognized as user-spawned")
	}
	got, ok := reg.RecordFor(realPID)
	if !ok || got.ID != rec.ID {
		t.Errorf("RecordFor(realPID) should resolve back to the same record, got %+v ok=%v", got, ok)
	}
}

func TestSpawnReapedAfterExitAndRemovalGrace(t *testing.T) {
	reg := newTestSpawnRegistry(t)
	rec, err := reg.Spawn(context.Background(), "helper", nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := reg.RecordFor(rec.WrapperPID); ok && got.Status != SpawnRunning {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, ok := reg.RecordFor(rec.WrapperPID)
	if !ok {
		t.Fatal("record should still be present during the removal-grace window")
	}
	if got.Status != SpawnExited {
		t.Errorf("expected SpawnExited once the helper process exits cleanly, got %v", got.Status)
	}

	deadline = time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.RecordFor(rec.WrapperPID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("record should have been removed after the removal-grace window elapsed")
}

func TestAllReturnsSnapshot(t *testing.T) {
	reg := newTestSpawnRegistry(t)
	if _, err := reg.Spawn(context.Background(), "helper", nil); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if _, err := reg.Spawn(context.Background(), "helper", nil); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	all := reg.All()
	if len(all) != 2 {
		t.Errorf("All() returned %d records, want 2", len(all))
	}
}
