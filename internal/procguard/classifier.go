package procguard

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/process"
)

// maxAncestorWalk bounds the parent-chain walk in Tier 3 (spec.md §4.1:
// 8 ancestors).
const maxAncestorWalk = 8

// Classifier implements the three-tier Protection Classifier (spec.md
// §4.1): a cheap pattern match, a cache lookup, and a deep-inspection
// fallback. Every path that cannot reach a confident verdict fails safe to
// Protected/Unknown.
type Classifier struct {
	cfg    *Config
	cache  *protectionCache
	log    hclog.Logger

	// newProcess is overridable in tests to avoid depending on real OS
	// process state.
	newProcess func(pid int32) (processHandle, error)

	// onCacheLookup, if set, observes every Tier-2 cache probe's
	// hit/miss outcome (wired to Metrics by NewServer).
	onCacheLookup func(hit bool)
}

// processHandle is the subset of gopsutil's *process.Process the
// Classifier depends on, narrowed to an interface so tests can fake it.
type processHandle interface {
	NameWithContext(ctx context.Context) (string, error)
	CmdlineWithContext(ctx context.Context) (string, error)
	PpidWithContext(ctx context.Context) (int32, error)
	CreateTimeWithContext(ctx context.Context) (int64, error)
	ChildrenWithContext(ctx context.Context) ([]*process.Process, error)
}

func gopsutilProcess(pid int32) (processHandle, error) {
	return process.NewProcess(pid)
}

// NewClassifier builds a Classifier with a fresh verdict cache sized per
// cfg.
func NewClassifier(cfg *Config, log hclog.Logger) *Classifier {
	return &Classifier{
		cfg:        cfg,
		cache:      newProtectionCache(cfg.ProtectionCacheTTL, cfg.ProtectionCacheSize),
		log:        log.Named("classifier"),
		newProcess: gopsutilProcess,
	}
}

// Classify returns whether pid is protected and why. createdAt must be the
// caller's already-known process creation time (used both to key the
// cache and to detect PID reuse); pass the zero time if unknown, which
// disables the cache for this call.
func (c *Classifier) Classify(ctx context.Context, pid int32, name string, createdAt time.Time) (bool, ProtectionReason) {
	// Tier 1: pattern match. Cheapest, and the only tier that does not
	// touch the cache or the OS.
	if protected, reason := c.patternMatch(pid, name); protected {
		return protected, reason
	}

	// Tier 2: cache lookup.
	if !createdAt.IsZero() {
		v, ok := c.cache.lookup(pid, createdAt, time.Now())
		if c.onCacheLookup != nil {
			c.onCacheLookup(ok)
		}
		if ok {
			return v.protected, v.reason
		}
	}

	// Tier 3: deep inspection.
	protected, reason := c.deepInspect(ctx, pid, name)

	if !createdAt.IsZero() {
		c.cache.store(protectionVerdict{
			pid:       pid,
			createdAt: createdAt,
			protected: protected,
			reason:    reason,
			decidedAt: time.Now(),
		})
	}
	return protected, reason
}

// patternMatch implements Tier 1: a case-insensitive substring match
// against the configured infrastructure tokens, plus an exact match
// against the system-critical name set and the well-known critical PIDs.
func (c *Classifier) patternMatch(pid int32, name string) (bool, ProtectionReason) {
	if pid == 0 || pid == 4 {
		return true, SystemCritical
	}

	lowered := strings.ToLower(name)
	for _, critical := range c.cfg.SystemCriticalNames {
		if lowered == strings.ToLower(critical) {
			return true, SystemCritical
		}
	}

	for _, token := range c.cfg.InfrastructureTokens {
		if strings.Contains(lowered, strings.ToLower(token)) {
			return true, PatternMatch
		}
	}

	return false, NotProtected
}

// deepInspect implements Tier 3: walk up to maxAncestorWalk ancestors
// looking for a protected parent, check immediate children for a
// protected descendant, and check command-line content for a
// script-interpreter invoking a protected-looking script. Any OS error
// (access denied, race where the process exits mid-walk) fails safe to
// Protected/Unknown rather than NotProtected (spec.md §4.1: "classifier
// errs toward over-protection").
func (c *Classifier) deepInspect(ctx context.Context, pid int32, name string) (bool, ProtectionReason) {
	proc, err := c.newProcess(pid)
	if err != nil {
		c.log.Debug("deep inspection: process lookup failed, failing safe", "pid", pid, "err", err)
		return true, UnknownProtection
	}

	// spec.md §4.1 orders Tier 3 as ancestor chain, then immediate
	// children, then script-content — first-wins, same as the overall
	// tier ordering.
	if protected, reason := c.ancestorCheck(ctx, pid, proc); protected {
		return protected, reason
	}

	if protected, reason := c.childrenCheck(ctx, pid, proc); protected {
		return protected, reason
	}

	if protected, reason := c.scriptContentCheck(ctx, name, proc); protected {
		return protected, reason
	}

	return false, NotProtected
}

// scriptContentCheck implements the ScriptContent check: if name looks
// like a configured script interpreter, scan the full command line for
// any infrastructure token rather than resolving and reading a script
// file (SPEC_FULL.md §12.3 decision).
func (c *Classifier) scriptContentCheck(ctx context.Context, name string, proc processHandle) (bool, ProtectionReason) {
	lowered := strings.ToLower(name)
	isInterpreter := false
	for _, interp := range c.cfg.ScriptInterpreterNames {
		if lowered == strings.ToLower(interp) {
			isInterpreter = true
			break
		}
	}
	if !isInterpreter {
		return false, NotProtected
	}

	cmdline, err := proc.CmdlineWithContext(ctx)
	if err != nil {
		return false, NotProtected
	}
	loweredCmd := strings.ToLower(cmdline)
	for _, token := range c.cfg.InfrastructureTokens {
		if strings.Contains(loweredCmd, strings.ToLower(token)) {
			return true, ScriptContent
		}
	}
	return false, NotProtected
}

// ancestorCheck walks up to maxAncestorWalk parents looking for a
// protected ancestor. It deliberately re-enters patternMatch only (not
// the full Classify, to avoid unbounded cache recursion and because
// ancestors are evaluated by name alone here, matching spec.md §4.1's
// description of the parent-chain check as a name-pattern walk).
func (c *Classifier) ancestorCheck(ctx context.Context, pid int32, proc processHandle) (bool, ProtectionReason) {
	current := proc
	for depth := 0; depth < maxAncestorWalk; depth++ {
		ppid, err := current.PpidWithContext(ctx)
		if err != nil || ppid == 0 {
			return false, NotProtected
		}
		parentName, err := c.nameOf(ppid)
		if err != nil {
			// Parent vanished mid-walk; not itself a reason to fail safe,
			// the walk simply stops here.
			return false, NotProtected
		}
		if protected, _ := c.patternMatch(ppid, parentName); protected {
			return true, ParentProtected
		}
		next, err := c.newProcess(ppid)
		if err != nil {
			return false, NotProtected
		}
		current = next
	}
	return false, NotProtected
}

// childrenCheck inspects immediate children only (spec.md §4.1: "does not
// recurse into grandchildren") for a protected name.
func (c *Classifier) childrenCheck(ctx context.Context, pid int32, proc processHandle) (bool, ProtectionReason) {
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		// gopsutil returns an error when there are no children on some
		// platforms; treat as no children rather than failing safe, since
		// this is an expected, not exceptional, outcome.
		return false, NotProtected
	}
	for _, child := range children {
		childName, err := child.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if protected, _ := c.patternMatch(child.Pid, childName); protected {
			return true, ChildProtected
		}
	}
	return false, NotProtected
}

func (c *Classifier) nameOf(pid int32) (string, error) {
	proc, err := c.newProcess(pid)
	if err != nil {
		return "", err
	}
	return proc.NameWithContext(context.Background())
}

// IsBrowserLike reports whether name matches the configured browser-like
// executable set, used by the Inspector's Smart-tier downgrade heuristic.
func (c *Classifier) IsBrowserLike(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	for _, b := range c.cfg.BrowserLikeNames {
		if base == strings.ToLower(b) {
			return true
		}
	}
	return false
}

// CacheStats exposes cache occupancy for metrics.
func (c *Classifier) CacheStats() (size int) {
	return c.cache.len()
}

// SweepCache drops expired cache entries; intended to be called on a
// ticker owned by Server.
func (c *Classifier) SweepCache(now time.Time) int {
	return c.cache.sweep(now)
}

// Evict removes pid from the verdict cache immediately, used by the
// Inspector and Termination Engine when they observe a PID has exited.
func (c *Classifier) Evict(pid int32) {
	c.cache.evict(pid)
}
