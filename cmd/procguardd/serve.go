package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/3leaps/procguard/internal/procguard"
	"github.com/3leaps/procguard/internal/transport"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the JSON-RPC server over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := procguard.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := procguard.NewLogger(logLevel)

	server, err := procguard.NewServer(cfg, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go server.Run(ctx)

	return transport.Serve(ctx, os.Stdin, os.Stdout, makeHandler(server))
}

// methodParams is the decoded-params shape for every core operation.
// Fields not relevant to a given method are left zero.
type methodParams struct {
	Name            string   `json:"name"`
	PID             int32    `json:"pid"`
	Tier            string   `json:"tier"`
	IncludeArgs     bool     `json:"include_args"`
	ShowFullCmdline bool     `json:"show_full_cmdline"`
	Force           bool     `json:"force"`
	Override        bool     `json:"override"`
	DryRun          bool     `json:"dry_run"`
	Ports           []uint16 `json:"ports"`
	Port            uint16   `json:"port"`
}

// makeHandler builds a transport.Handler that maps each JSON-RPC method
// name to a procguard.Operation and dispatches it, per the core subset
// spec.md §9 defines (find_process/ps, kill_process/kill,
// kill_process_tree/killall, check_ports/netstat, dev_status/status,
// server_status, find_process_by_port, cleanup_user_processes).
func makeHandler(server *procguard.Server) transport.Handler {
	return func(ctx context.Context, method string, rawParams json.RawMessage) (interface{}, error) {
		op, ok := operationForMethod(method)
		if !ok {
			return nil, fmt.Errorf("unknown method %q", method)
		}

		var p methodParams
		if len(rawParams) > 0 {
			if err := json.Unmarshal(rawParams, &p); err != nil {
				return nil, fmt.Errorf("invalid params for %q: %w", method, err)
			}
		}

		req := procguard.Request{
			Op:              op,
			NameFilter:      p.Name,
			Tier:            procguard.Tier(p.Tier),
			IncludeArgs:     p.IncludeArgs,
			ShowFullCmdline: p.ShowFullCmdline,
			PID:             p.PID,
			Force:           p.Force,
			Override:        p.Override,
			DryRun:          p.DryRun,
			Ports:           p.Ports,
			Port:            p.Port,
		}

		return server.Dispatch(ctx, req), nil
	}
}

// operationForMethod maps both a method's canonical name and its short
// alias (spec.md §9: "ps"/"kill"/"killall"/"netstat"/"status" are
// accepted as aliases) onto the same Operation.
func operationForMethod(method string) (procguard.Operation, bool) {
	switch method {
	case "find_process", "ps":
		return procguard.OpFindProcess, true
	case "kill_process", "kill":
		return procguard.OpKillProcess, true
	case "kill_process_tree", "killall":
		return procguard.OpKillProcessTree, true
	case "check_ports", "netstat":
		return procguard.OpCheckPorts, true
	case "dev_status", "status":
		return procguard.OpDevStatus, true
	case "server_status":
		return procguard.OpServerStatus, true
	case "find_process_by_port":
		return procguard.OpFindProcessByPort, true
	case "cleanup_user_processes":
		return procguard.OpCleanupUserProcesses, true
	default:
		return 0, false
	}
}
