package procguard

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fixed-at-start configuration for the engine (spec.md §6:
// "Fixed at start ... No on-disk persisted state"). Callers typically
// build this via LoadConfig, which layers defaults, an optional file, and
// PROCGUARD_* environment variables through viper.
type Config struct {
	// WatchedPorts is the fixed catalogue probed by check_ports with no
	// port argument.
	WatchedPorts []uint16

	// ServiceLabels maps a watched or ad-hoc port to a human label.
	ServiceLabels map[uint16]string

	// InfrastructureTokens are the Tier-1 substrings (case-insensitive)
	// that mark a process as infrastructure (spec.md §4.1).
	InfrastructureTokens []string

	// SystemCriticalNames are exact (case-insensitive) executable base
	// names that are always protected, independent of token matching.
	SystemCriticalNames []string

	// BrowserLikeNames is the configurable set used by the Smart-tier
	// downgrade heuristic (spec.md §4.2, §9 Open Question).
	BrowserLikeNames []string

	// ScriptInterpreterNames are the executable names treated as script
	// interpreters: for these the ScriptContent check scans the whole
	// command line for an infrastructure token (no script path is
	// resolved), and a spawned command with one of these names is treated
	// as a wrapper whose real target is a child.
	ScriptInterpreterNames []string

	// ProtectionCacheTTL is the verdict cache TTL (spec.md §4.1: 10s).
	ProtectionCacheTTL time.Duration
	// ProtectionCacheSize is the max cache entries before LRU eviction
	// (spec.md §4.1: ~256).
	ProtectionCacheSize int

	// PortScanWorkers bounds port-scan concurrency (spec.md §4.3: <=6).
	PortScanWorkers int
	// PortScanBudget is the total wall-clock budget for check_ports
	// (spec.md §4.3: 500ms).
	PortScanBudget time.Duration

	// TierBudget is the per-tier upper-bound latency find_process is
	// allowed to take before the operation is abandoned and reported as
	// a Timeout (spec.md §4.2 tier table, §5: "no user-visible operation
	// may suspend indefinitely").
	TierBudget map[Tier]time.Duration

	// BrowserLikeThreshold is the match-set size above which the smart
	// heuristic considers a result set browser-like (spec.md §4.2: >20).
	BrowserLikeThreshold int

	// MaxTreeDescendants bounds kill_process_tree's BFS (spec.md §4.5: 1024).
	MaxTreeDescendants int
	// MaxTreeDepth bounds the BFS walk depth (spec.md §4.5: 16).
	MaxTreeDepth int

	// GracefulTimeout/ForcefulTimeout are the escalation windows for
	// every process KillOne or KillTree terminates (3s graceful, 2s
	// forceful).
	GracefulTimeout time.Duration
	ForcefulTimeout time.Duration
	// TreeEscalateAfter (default 1s) is not read by the engine: KillTree
	// escalates each process after GracefulTimeout, the same window as
	// KillOne.
	TreeEscalateAfter time.Duration

	// SpawnReaperInterval is how often the Spawn Registry reaper probes
	// liveness (spec.md §5: 1s).
	SpawnReaperInterval time.Duration
	// SpawnRemovalGrace is how long a terminal spawn record survives
	// after being observed exited, so status reads see the terminal
	// state (spec.md §4.4: ~2s, one further probe cycle).
	SpawnRemovalGrace time.Duration

	// ProtectionCacheSweepInterval is how often the cache reaper sweeps
	// expired entries (spec.md §5: 5s).
	ProtectionCacheSweepInterval time.Duration

	// DebugLogPath is the append-only audit log file (spec.md §6).
	DebugLogPath string
}

// DefaultConfig returns the spec.md defaults.
func DefaultConfig() *Config {
	return &Config{
		WatchedPorts: []uint16{3000, 5000, 8000, 8080, 5173, 4200},
		ServiceLabels: map[uint16]string{
			3000: "React Dev Server",
			5000: "Flask/Node Dev Server",
			8000: "Django/FastAPI Server",
			8080: "Generic HTTP Server",
			5173: "Vite Dev Server",
			4200: "Angular Dev Server",
		},
		InfrastructureTokens:   []string{"mcp", "secure_mcp", "claude", "api-toolbox"},
		SystemCriticalNames:    []string{"system", "csrss.exe", "winlogon.exe", "services.exe", "lsass.exe", "smss.exe"},
		BrowserLikeNames:       []string{"chrome.exe", "msedge.exe", "firefox.exe"},
		ScriptInterpreterNames: []string{"python", "python3", "python.exe", "node", "node.exe", "ruby", "ruby.exe", "pwsh", "pwsh.exe", "powershell", "powershell.exe", "cmd", "cmd.exe"},
		ProtectionCacheTTL:     10 * time.Second,
		ProtectionCacheSize:    256,
		PortScanWorkers:        6,
		PortScanBudget:         500 * time.Millisecond,
		TierBudget: map[Tier]time.Duration{
			TierInstant: 50 * time.Millisecond,
			TierQuick:   200 * time.Millisecond,
			TierSmart:   500 * time.Millisecond,
			TierFull:    2000 * time.Millisecond,
		},
		BrowserLikeThreshold:   20,
		MaxTreeDescendants:     1024,
		MaxTreeDepth:           16,
		GracefulTimeout:        3 * time.Second,
		ForcefulTimeout:        2 * time.Second,
		TreeEscalateAfter:      1 * time.Second,
		SpawnReaperInterval:    1 * time.Second,
		SpawnRemovalGrace:      2 * time.Second,
		ProtectionCacheSweepInterval: 5 * time.Second,
		DebugLogPath:           "procguard_debug.log",
	}
}

// LoadConfig layers an optional config file and PROCGUARD_* environment
// variables over DefaultConfig using viper, mirroring the
// cobra+viper configuration pattern used by prismctl.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("procguard")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errInternal(err)
		}
	}

	if v.IsSet("debug_log_path") {
		cfg.DebugLogPath = v.GetString("debug_log_path")
	}
	if v.IsSet("port_scan_workers") {
		cfg.PortScanWorkers = v.GetInt("port_scan_workers")
	}
	if v.IsSet("infrastructure_tokens") {
		cfg.InfrastructureTokens = v.GetStringSlice("infrastructure_tokens")
	}
	if v.IsSet("browser_like_names") {
		cfg.BrowserLikeNames = v.GetStringSlice("browser_like_names")
	}
	if v.IsSet("watched_ports") {
		ports := v.GetIntSlice("watched_ports")
		cfg.WatchedPorts = cfg.WatchedPorts[:0]
		for _, p := range ports {
			cfg.WatchedPorts = append(cfg.WatchedPorts, uint16(p))
		}
	}

	return cfg, nil
}
