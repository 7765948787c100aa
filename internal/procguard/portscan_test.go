package procguard

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	gopsnet "github.com/shirou/gopsutil/v3/net"
)

func newTestPortScanner(t *testing.T, conns []gopsnet.ConnectionStat, items []processListItem) *PortScanner {
	t.Helper()
	cfg := DefaultConfig()
	classifier := NewClassifier(cfg, hclog.NewNullLogger())
	classifier.newProcess = func(pid int32) (processHandle, error) {
		return &fakeProcess{name: "harmless.exe"}, nil
	}
	ins := NewInspector(cfg, classifier, hclog.NewNullLogger())
	ins.listProcesses = func(ctx context.Context) ([]processListItem, error) {
		return items, nil
	}
	ps := NewPortScanner(cfg, ins, classifier, hclog.NewNullLogger())
	ps.connections = func(ctx context.Context) ([]gopsnet.ConnectionStat, error) {
		return conns, nil
	}
	return ps
}

func listenConn(port uint32, pid int32) gopsnet.ConnectionStat {
	return gopsnet.ConnectionStat{
		Laddr:  gopsnet.Addr{IP: "0.0.0.0", Port: port},
		Status: "LISTEN",
		Pid:    pid,
	}
}

func TestScanReportsInactivePortsByDefault(t *testing.T) {
	ps := newTestPortScanner(t, nil, nil)
	entries, err := ps.Scan(context.Background(), []uint16{3000}, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != PortInactive {
		t.Errorf("expected a single inactive entry, got %+v", entries)
	}
}

func TestScanResolvesOwningProcess(t *testing.T) {
	conns := []gopsnet.ConnectionStat{listenConn(3000, 42)}
	items := []processListItem{{pid: 42, name: "node.exe", createdAt: time.Now()}}
	ps := newTestPortScanner(t, conns, items)

	entries, err := ps.Scan(context.Background(), []uint16{3000}, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Status != PortActive {
		t.Errorf("expected PortActive, got %v", e.Status)
	}
	if e.OwningProcess == nil || e.OwningProcess.PID != 42 {
		t.Errorf("expected owning process pid 42, got %+v", e.OwningProcess)
	}
}

func TestScanDefaultsToWatchedPortsWhenEmpty(t *testing.T) {
	ps := newTestPortScanner(t, nil, nil)
	entries, err := ps.Scan(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(entries) != len(ps.cfg.WatchedPorts) {
		t.Errorf("expected %d entries (watched catalogue), got %d", len(ps.cfg.WatchedPorts), len(entries))
	}
}

func TestScanListsExtraProcessesSharingAPort(t *testing.T) {
	conns := []gopsnet.ConnectionStat{listenConn(3000, 42), listenConn(3000, 43)}
	items := []processListItem{
		{pid: 42, name: "node.exe", createdAt: time.Now()},
		{pid: 43, name: "node.exe", createdAt: time.Now()},
	}
	ps := newTestPortScanner(t, conns, items)

	entries, err := ps.Scan(context.Background(), []uint16{3000}, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	e := entries[0]
	total := len(e.ExtraProcesses)
	if e.OwningProcess != nil {
		total++
	}
	if total != 2 {
		t.Errorf("expected 2 distinct PIDs accounted for (owner + extras), got %d: owner=%+v extras=%v", total, e.OwningProcess, e.ExtraProcesses)
	}
}

func TestFindByPortWrapsScanForOnePort(t *testing.T) {
	conns := []gopsnet.ConnectionStat{listenConn(9999, 7)}
	items := []processListItem{{pid: 7, name: "custom.exe", createdAt: time.Now()}}
	ps := newTestPortScanner(t, conns, items)

	entry, err := ps.FindByPort(context.Background(), 9999, nil)
	if err != nil {
		t.Fatalf("FindByPort failed: %v", err)
	}
	if entry.Port != 9999 || entry.Status != PortActive {
		t.Errorf("unexpected entry: %+v", entry)
	}
}
