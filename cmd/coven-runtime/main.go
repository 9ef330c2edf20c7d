// ABOUTME: Entry point for coven-runtime: the agent runtime server and its operator CLI
// ABOUTME: Subcommands either run the server or talk to a running one over HTTP

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-runtime/internal/config"
	"github.com/2389/coven-runtime/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                    _   _
  ___ _____   _____ _ __        _ __ _   _ _ __ | |_(_)_ __ ___   ___
 / __/ _ \ \ / / _ \ '_ \ _____| '__| | | | '_ \| __| | '_ ' _ \ / _ \
| (_| (_) \ V /  __/ | | |_____| |  | |_| | | | | |_| | | | | | |  __/
 \___\___/ \_/ \___|_| |_|     |_|   \__,_|_| |_|\__|_|_| |_| |_|\___|
`

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"serve", "Start the runtime server", runServe},
	{"init", "Write a starter config file", runInit},
	{"health", "Check runtime liveness", runHealth},
	{"ready", "Show readiness and per-agent state", runReady},
	{"agents", "List managed agents", runAgents},
	{"start", "Start an agent: start NAME", agentAction("start")},
	{"stop", "Stop an agent: stop NAME", agentAction("stop")},
	{"restart", "Restart an agent: restart NAME", agentAction("restart")},
	{"enable", "Mark an agent desired-running: enable NAME", setDesired(true)},
	{"disable", "Mark an agent desired-stopped: disable NAME", setDesired(false)},
	{"reconcile", "Run a reconcile pass now", runReconcile},
	{"send", "Send a message to an agent: send [-stream] NAME TEXT", runSend},
	{"task", "Show a task: task NAME TASK_ID", runGetTask},
	{"cancel", "Cancel a task: cancel NAME TASK_ID", runCancel},
	{"tasks", "List the tasks of a context: tasks CONTEXT_ID", runTasks},
	{"prune", "Delete a task or context: prune [-context] ID", runPrune},
	{"token", "Mint a JWT from the configured secret", runToken},
	{"hash-token", "Print a bcrypt hash for a static API token", runHashToken},
	{"version", "Print the version", func(context.Context, []string) error {
		fmt.Println(version)
		return nil
	}},
}

func printUsage() {
	fmt.Println("Usage: coven-runtime <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	for _, c := range commands {
		fmt.Printf("  %-12s %s\n", c.name, c.usage)
	}
	fmt.Println()
	fmt.Println("Remote commands use COVEN_RUNTIME_URL (or server.http_addr from the config)")
	fmt.Println("and COVEN_RUNTIME_TOKEN for authentication.")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage()
		return
	}

	for _, c := range commands {
		if c.name != name {
			continue
		}
		err := c.run(ctx, os.Args[2:])
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		if err != nil {
			color.New(color.FgRed).Fprint(os.Stderr, "Error: ")
			fmt.Fprintln(os.Stderr, err)
			cancel()
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n", name)
	printUsage()
	os.Exit(1)
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configFlag := fs.String("config", "", "config file (default $"+config.EnvConfigPath+" or "+config.DefaultPath+")")
	if err := fs.Parse(args); err != nil {
		return err
	}
	configPath := config.ResolvePath(*configFlag)

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Server.GRPCAddr != "" {
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	} else {
		fmt.Print("gRPC:      ")
		gray.Println("disabled")
	}
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d ", len(cfg.Agents))
	gray.Printf("(ports %d-%d)\n", cfg.Orchestrator.PortMin, cfg.Orchestrator.PortMax)
	if !cfg.Auth.Enabled() {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-runtime",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"agents", len(cfg.Agents),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating runtime: %w", err)
	}
	return gw.Run(ctx)
}
