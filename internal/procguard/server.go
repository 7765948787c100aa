package procguard

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Server owns every component of the engine and is the single entry
// point a transport layer calls into. It is safe for concurrent use.
type Server struct {
	cfg *Config

	classifier  *Classifier
	inspector   *Inspector
	portscan    *PortScanner
	spawns      *SpawnRegistry
	termination *TerminationEngine

	metrics *Metrics
	audit   *auditLogger
	log     hclog.Logger

	startedAt time.Time

	stopSweep chan struct{}
}

// shutdownKillBudget bounds the best-effort spawn teardown in shutdown:
// enough for a few graceful+forceful escalation cycles, not so long it
// blocks process exit indefinitely.
const shutdownKillBudget = 5 * time.Second

// NewServer wires a Server from cfg, constructing every component in
// dependency order: Classifier has no dependencies, Inspector depends on
// Classifier, SpawnRegistry is independent, PortScanner depends on
// Inspector and Classifier, TerminationEngine depends on Classifier and
// SpawnRegistry.
func NewServer(cfg *Config, log hclog.Logger) (*Server, error) {
	classifier := NewClassifier(cfg, log)
	inspector := NewInspector(cfg, classifier, log)
	spawns := NewSpawnRegistry(cfg, log)
	portscan := NewPortScanner(cfg, inspector, classifier, log)
	termination := NewTerminationEngine(cfg, classifier, spawns, log)

	audit, err := newAuditLogger(cfg.DebugLogPath)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	classifier.onCacheLookup = metrics.observeCacheLookup

	s := &Server{
		cfg:         cfg,
		classifier:  classifier,
		inspector:   inspector,
		portscan:    portscan,
		spawns:      spawns,
		termination: termination,
		metrics:     metrics,
		audit:       audit,
		log:         log.Named("server"),
		startedAt:   time.Now(),
		stopSweep:   make(chan struct{}),
	}
	return s, nil
}

// Run starts the Server's background maintenance loops (the spawn
// registry's liveness reaper and the protection cache's expiry sweep)
// and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	go s.spawns.RunReaper(ctx)

	ticker := time.NewTicker(s.cfg.ProtectionCacheSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.stopSweep:
			s.shutdown()
			return
		case <-ticker.C:
			removed := s.classifier.SweepCache(time.Now())
			s.metrics.setCacheSize(s.classifier.CacheStats())
			if removed > 0 {
				s.log.Debug("swept expired protection cache entries", "removed", removed)
			}
		}
	}
}

// Spawn launches command as a server-tracked background process, the
// entry point a transport layer's spawn-backed tool (outside the core
// dispatcher subset, e.g. a future run_dev_server tool) would call.
func (s *Server) Spawn(ctx context.Context, command string, args []string) (*SpawnRecord, error) {
	return s.spawns.Spawn(ctx, command, args)
}

// shutdown tears down every live spawn record (spec.md §4.4: "on server
// shutdown, for every live spawn record with a group handle, terminate
// the group; for records without a group, best-effort terminate via
// process-tree termination"), then stops the reaper and closes the audit
// log. Uses a background context with its own short deadline since the
// server's own ctx is already canceled by the time shutdown runs.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownKillBudget)
	defer cancel()

	for _, rec := range s.spawns.All() {
		if rec.Status != SpawnRunning {
			continue
		}
		if _, err := s.termination.KillTree(ctx, rec.RealPID, KillOptions{Force: true, Override: true}); err != nil {
			s.log.Warn("shutdown: failed to terminate spawned process tree", "pid", rec.RealPID, "err", err)
		}
	}

	s.spawns.Stop()
	if s.audit != nil {
		s.audit.close()
	}
}
