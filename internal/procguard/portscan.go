package procguard

import (
	"context"

	"github.com/hashicorp/go-hclog"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/sync/semaphore"
)

// PortScanner probes the fixed watched-port catalogue plus any ad-hoc
// ports a caller asks about (spec.md §4.3). Probing fans out across a
// bounded worker pool so the total wall-clock cost stays within budget
// regardless of how many ports are requested.
type PortScanner struct {
	cfg        *Config
	inspector  *Inspector
	classifier *Classifier
	log        hclog.Logger

	connections func(ctx context.Context) ([]gopsnet.ConnectionStat, error)
}

func gopsutilConnections(ctx context.Context) ([]gopsnet.ConnectionStat, error) {
	return gopsnet.ConnectionsWithContext(ctx, "tcp")
}

// NewPortScanner builds a PortScanner bound to inspector (for owning
// process enrichment) and classifier (for protection annotation).
func NewPortScanner(cfg *Config, inspector *Inspector, classifier *Classifier, log hclog.Logger) *PortScanner {
	return &PortScanner{
		cfg:         cfg,
		inspector:   inspector,
		classifier:  classifier,
		log:         log.Named("portscan"),
		connections: gopsutilConnections,
	}
}

// Scan checks ports (the watched catalogue if ports is empty, otherwise
// exactly the ports given) against the live TCP listener table, bounded
// by cfg.PortScanBudget.
func (ps *PortScanner) Scan(ctx context.Context, ports []uint16, isUserSpawned func(pid int32) bool) ([]PortEntry, error) {
	if len(ports) == 0 {
		ports = ps.cfg.WatchedPorts
	}

	ctx, cancel := context.WithTimeout(ctx, ps.cfg.PortScanBudget)
	defer cancel()

	conns, err := ps.connections(ctx)
	if err != nil {
		return nil, errInternal(err)
	}

	byPort := make(map[uint16][]gopsnet.ConnectionStat)
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		byPort[uint16(c.Laddr.Port)] = append(byPort[uint16(c.Laddr.Port)], c)
	}

	sem := semaphore.NewWeighted(int64(ps.cfg.PortScanWorkers))
	entries := make([]PortEntry, len(ports))
	errs := make([]error, len(ports))

	done := make(chan struct{}, len(ports))
	for i, port := range ports {
		i, port := i, port
		go func() {
			defer func() { done <- struct{}{} }()
			if err := sem.Acquire(ctx, 1); err != nil {
				errs[i] = err
				entries[i] = PortEntry{Port: port, ServiceLabel: ps.cfg.ServiceLabels[port], Status: PortUnknown}
				return
			}
			defer sem.Release(1)
			entries[i] = ps.resolvePort(ctx, port, byPort[port], isUserSpawned)
		}()
	}
	for range ports {
		<-done
	}

	return entries, nil
}

// resolvePort builds one PortEntry from the listeners found for port,
// correlating the owning PID to a full process descriptor via the
// Instant tier (spec.md §4.3: "port scan enrichment never runs Quick or
// above; it borrows only the cheap Pass-1 fields").
func (ps *PortScanner) resolvePort(ctx context.Context, port uint16, listeners []gopsnet.ConnectionStat, isUserSpawned func(pid int32) bool) PortEntry {
	entry := PortEntry{
		Port:         port,
		ServiceLabel: ps.cfg.ServiceLabels[port],
	}

	if len(listeners) == 0 {
		entry.Status = PortInactive
		return entry
	}

	entry.Status = PortActive

	// spec.md §4.3: "record the first as owning and the rest in
	// extra_processes" — preserve the listener table's own order rather
	// than an unordered set, so "first" is well-defined.
	var pids []int32
	seen := make(map[int32]bool)
	for _, l := range listeners {
		if l.Pid != 0 && !seen[l.Pid] {
			seen[l.Pid] = true
			pids = append(pids, l.Pid)
		}
	}
	if len(pids) == 0 {
		entry.Status = PortUnknown
		return entry
	}

	owningPID := pids[0]
	descriptors, err := ps.inspector.List(ctx, TierInstant, ProcessFilter{PID: owningPID}, true, isUserSpawned)
	if err == nil && len(descriptors) == 1 {
		d := descriptors[0]
		entry.OwningProcess = &d
	}

	entry.ExtraProcesses = append(entry.ExtraProcesses, pids[1:]...)

	return entry
}

// FindByPort reports the processes bound to a single ad-hoc port, used by
// the find_process_by_port operation. It is a thin wrapper over Scan for
// exactly one port, included for dispatcher clarity rather than as an
// independent code path.
func (ps *PortScanner) FindByPort(ctx context.Context, port uint16, isUserSpawned func(pid int32) bool) (PortEntry, error) {
	entries, err := ps.Scan(ctx, []uint16{port}, isUserSpawned)
	if err != nil {
		return PortEntry{}, err
	}
	return entries[0], nil
}
