package procguard

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/semaphore"
)

// ProcessFilter narrows an enumeration by name substring, PID, or parent
// PID. An empty filter matches everything. When MatchCmdline is set,
// NameContains is matched against the full command line instead of the
// executable base name (spec.md §4.2: "If include_args is set, match
// against the full command line").
type ProcessFilter struct {
	NameContains string
	MatchCmdline bool
	PID          int32
	ParentPID    int32
}

func (f ProcessFilter) matches(name, cmdline string, pid, parentPID int32) bool {
	if f.PID != 0 && f.PID != pid {
		return false
	}
	if f.ParentPID != 0 && f.ParentPID != parentPID {
		return false
	}
	if f.NameContains == "" {
		return true
	}
	if f.MatchCmdline {
		return containsFold(cmdline, f.NameContains)
	}
	return containsFold(name, f.NameContains)
}

func containsFold(haystack, needle string) bool {
	h, n := []rune(toLower(haystack)), []rune(toLower(needle))
	if len(n) == 0 {
		return true
	}
	if len(n) > len(h) {
		return false
	}
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			if h[i+j] != n[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// firstField returns the leading whitespace-delimited token of s (the
// executable path/name), used when show_full_cmdline is false so the
// descriptor's CommandLine does not leak argument values.
func firstField(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' {
			return s[:i]
		}
	}
	return s
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Inspector enumerates OS processes at one of four detail tiers
// (spec.md §4.2): Instant is single-pass and cheap; Quick, Smart and Full
// run a second, costlier enrichment pass over survivors only (memory for
// Quick, plus children for Smart, plus cwd, CPU percent and thread count
// for Full), so that cost is paid only for processes the caller will
// actually see.
type Inspector struct {
	cfg        *Config
	classifier *Classifier
	log        hclog.Logger

	listProcesses func(ctx context.Context) ([]processListItem, error)
	sem           *semaphore.Weighted
}

// processListItem is the cheap (Pass 1) view of one process.
type processListItem struct {
	pid       int32
	handle    processHandle
	name      string
	cmdline   string
	parentPID int32
	createdAt time.Time
}

func gopsutilListProcesses(ctx context.Context) ([]processListItem, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]processListItem, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Process exited between enumeration and field read; skip it
			// rather than surfacing a partial record (spec.md §4.2 edge
			// case: "process disappears mid-enumeration").
			continue
		}
		cmdline, _ := p.CmdlineWithContext(ctx)
		ppid, _ := p.PpidWithContext(ctx)
		createdMs, _ := p.CreateTimeWithContext(ctx)
		items = append(items, processListItem{
			pid:       p.Pid,
			handle:    p,
			name:      name,
			cmdline:   cmdline,
			parentPID: ppid,
			createdAt: time.UnixMilli(createdMs),
		})
	}
	return items, nil
}

// NewInspector builds an Inspector bound to classifier for protection and
// user-spawned annotation.
func NewInspector(cfg *Config, classifier *Classifier, log hclog.Logger) *Inspector {
	return &Inspector{
		cfg:           cfg,
		classifier:    classifier,
		log:           log.Named("inspector"),
		listProcesses: gopsutilListProcesses,
		sem:           semaphore.NewWeighted(int64(cfg.PortScanWorkers)),
	}
}

// List enumerates processes at the given tier, applying filter to the
// cheap Pass 1 fields before any costly Pass 2 enrichment runs, and
// annotating each survivor's protection verdict and user-spawned flag via
// isUserSpawned. showFullCmdline controls whether CommandLine carries the
// full argument string or just the executable token (spec.md §6
// find_process's show_full_cmdline flag).
func (ins *Inspector) List(ctx context.Context, tier Tier, filter ProcessFilter, showFullCmdline bool, isUserSpawned func(pid int32) bool) ([]ProcessDescriptor, error) {
	items, err := ins.listProcesses(ctx)
	if err != nil {
		return nil, err
	}

	survivors := make([]processListItem, 0, len(items))
	for _, it := range items {
		if filter.matches(it.name, it.cmdline, it.pid, it.parentPID) {
			survivors = append(survivors, it)
		}
	}

	descriptors := make([]ProcessDescriptor, len(survivors))
	for i, it := range survivors {
		cmdline := it.cmdline
		if !showFullCmdline {
			cmdline = firstField(cmdline)
		}
		descriptors[i] = newProcessDescriptor(it.pid, it.parentPID, it.name, cmdline, "", it.createdAt, 0, 0)
	}

	if tier != TierInstant {
		if err := ins.enrich(ctx, survivors, descriptors, tier); err != nil {
			return nil, err
		}
	}

	for i := range descriptors {
		d := &descriptors[i]
		protected, reason := ins.classifier.Classify(ctx, d.PID, d.Name, d.CreatedAt)
		d.Protected = protected
		d.ProtectionReason = reason.String()
		if isUserSpawned != nil {
			d.UserSpawned = isUserSpawned(d.PID)
		}
	}

	if tier == TierSmart {
		descriptors = ins.applyBrowserDowngrade(descriptors)
	}

	// Output ordering (spec.md §4.2): protected processes first, then
	// name ascending, then PID ascending as the final tiebreaker.
	sort.SliceStable(descriptors, func(i, j int) bool {
		a, b := descriptors[i], descriptors[j]
		if a.Protected != b.Protected {
			return a.Protected
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.PID < b.PID
	})
	return descriptors, nil
}

// enrich runs the costly Pass 2 fields (memory, CPU percent, thread
// count, cwd, children) concurrently, bounded by the same worker limit
// used for port scanning (spec.md §4.2: "Pass 2 work is bounded the same
// way as the port scanner's fan-out").
func (ins *Inspector) enrich(ctx context.Context, items []processListItem, descriptors []ProcessDescriptor, tier Tier) error {
	results := make(chan enrichResult, len(items))
	for i, it := range items {
		i, it := i, it
		if err := ins.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func() {
			defer ins.sem.Release(1)
			results <- ins.enrichOne(ctx, i, it, tier)
		}()
	}

	for range items {
		r := <-results
		d := &descriptors[r.idx]
		mb, human := formatMemory(r.memBytes)
		d.MemoryBytes = r.memBytes
		d.MemoryMB = mb
		d.MemoryHuman = human
		d.CPUPercent = r.cpuPct
		d.ThreadCount = r.threads
		d.Cwd = r.cwd
		d.Children = r.children
	}
	return nil
}

// enrichResult is the Pass 2 costly-field bundle for one process.
type enrichResult struct {
	idx      int
	memBytes uint64
	cpuPct   *float64
	threads  int32
	cwd      string
	children []int32
}

type memoryInfoProvider interface {
	MemoryInfoWithContext(context.Context) (*process.MemoryInfoStat, error)
}
type cwdProvider interface {
	CwdWithContext(context.Context) (string, error)
}
type cpuPercentProvider interface {
	CPUPercentWithContext(context.Context) (float64, error)
}
type numThreadsProvider interface {
	NumThreadsWithContext(context.Context) (int32, error)
}

// enrichOne reads the costly fields for one process, tolerating handles
// (real or faked in tests) that only implement a subset of the optional
// provider interfaces above.
func (ins *Inspector) enrichOne(ctx context.Context, idx int, it processListItem, tier Tier) enrichResult {
	r := enrichResult{idx: idx}

	if mip, ok := it.handle.(memoryInfoProvider); ok {
		if mi, err := mip.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			r.memBytes = mi.RSS
		}
	}
	// cwd, CPU percent, and thread count are only part of the Full
	// tier's "all fields" contract (spec.md §4.2 tier table); Quick and
	// Smart stop at memory/parent/protection (+children for Smart).
	if tier == TierFull {
		if cp, ok := it.handle.(cwdProvider); ok {
			r.cwd, _ = cp.CwdWithContext(ctx)
		}
		if cp, ok := it.handle.(cpuPercentProvider); ok {
			if pct, err := cp.CPUPercentWithContext(ctx); err == nil {
				r.cpuPct = &pct
			}
		}
		if tp, ok := it.handle.(numThreadsProvider); ok {
			if n, err := tp.NumThreadsWithContext(ctx); err == nil {
				r.threads = n
			}
		}
	}
	if tier == TierSmart || tier == TierFull {
		if kids, err := it.handle.ChildrenWithContext(ctx); err == nil {
			for _, k := range kids {
				r.children = append(r.children, k.Pid)
			}
		}
	}
	return r
}

// applyBrowserDowngrade implements the Smart-tier heuristic (spec.md
// §4.2): when the match set is large (> BrowserLikeThreshold) and
// includes a known browser-family executable, the tier is silently
// downgraded to Quick semantics for the whole response — every entry's
// children summary is dropped rather than flooding the caller with
// dozens of renderer/GPU/utility helper PIDs (spec.md §8 scenario 5:
// "entries carry no children list").
func (ins *Inspector) applyBrowserDowngrade(descriptors []ProcessDescriptor) []ProcessDescriptor {
	if len(descriptors) <= ins.cfg.BrowserLikeThreshold {
		return descriptors
	}

	browserLike := false
	for _, d := range descriptors {
		if ins.classifier.IsBrowserLike(d.Name) {
			browserLike = true
			break
		}
	}
	if !browserLike {
		return descriptors
	}

	for i := range descriptors {
		descriptors[i].Children = nil
	}
	return descriptors
}
