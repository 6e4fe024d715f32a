package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nobu007/copilot-instruction-eval/internal/broker"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
	"github.com/nobu007/copilot-instruction-eval/internal/setup"
	"github.com/nobu007/copilot-instruction-eval/internal/status"
	"github.com/nobu007/copilot-instruction-eval/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "ping":
		runControlCommand(os.Args[2:], "ping")
	case "scan":
		runControlCommand(os.Args[2:], "scan")
	case "shutdown":
		runControlCommand(os.Args[2:], "shutdown")
	case "wait":
		runWait(os.Args[2:])
	case "version":
		fmt.Printf("broker %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	if err := setup.Run(dir); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}

	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized broker workspace in %s\n", absDir)
}

func runRun(args []string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve base directory: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(absDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	b, err := broker.New(absDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create broker: %v\n", err)
		os.Exit(1)
	}

	if err := b.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	dir := "."
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			dir = a
		}
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve base directory: %v\n", err)
		os.Exit(1)
	}

	if err := status.Run(absDir, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

// runControlCommand sends a no-argument ops command (ping/scan/shutdown)
// over the control-plane socket of an already-running broker (§D.3).
func runControlCommand(args []string, command string) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve base directory: %v\n", err)
		os.Exit(1)
	}

	sockPath := filepath.Join(absDir, "state", uds.DefaultSocketName)
	client := uds.NewClient(sockPath)
	resp, err := client.SendCommand(command, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}

	if !resp.Success {
		msg := "unknown error"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed: %s\n", command, msg)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

// runWait blocks the CLI until requestID reaches a terminal event on an
// already-running broker's control socket, or the timeout elapses.
// Usage: broker wait <request-id> [dir] [--timeout=30s]
func runWait(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "wait: request id is required")
		os.Exit(1)
	}
	requestID := args[0]
	dir := "."
	timeout := 25 * time.Second

	for _, a := range args[1:] {
		switch {
		case len(a) > len("--timeout=") && a[:len("--timeout=")] == "--timeout=":
			d, err := time.ParseDuration(a[len("--timeout="):])
			if err != nil {
				fmt.Fprintf(os.Stderr, "wait: invalid --timeout: %v\n", err)
				os.Exit(1)
			}
			timeout = d
		default:
			dir = a
		}
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve base directory: %v\n", err)
		os.Exit(1)
	}

	sockPath := filepath.Join(absDir, "state", uds.DefaultSocketName)
	client := uds.NewClient(sockPath)
	resp, err := client.WaitForRequest(requestID, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait: %v\n", err)
		os.Exit(1)
	}

	if !resp.Success {
		msg := "unknown error"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "wait failed: %s\n", msg)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

func loadConfig(baseDirectory string) (model.Config, error) {
	configPath := filepath.Join(baseDirectory, "config", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w (run 'broker init %s' first)", configPath, err, baseDirectory)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", configPath, err)
	}
	cfg.ApplyDefaults()
	cfg.Broker.BaseDirectory = baseDirectory
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `broker %s — file-based IPC request broker

Usage: broker <command> [options]

Commands:
  init [dir]          Scaffold a broker workspace (requests/, responses/, etc.)
  run [dir]           Start the broker: watch requests/, dispatch, write responses
  status [dir] [--json]  Print the current processing snapshot
  ping [dir]          Check that a running broker's control socket answers
  scan [dir]          Force an immediate requests/ enumeration
  shutdown [dir]      Ask a running broker to shut down gracefully
  wait <id> [dir] [--timeout=30s]  Block until a request reaches a terminal state
  version             Show version
  help                Show this help

dir defaults to the current directory.
`, version)
}
