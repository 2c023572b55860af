// lightguide: live host telemetry over WebSocket with operator events over SSE
//
// Usage:
//
//	lightguide agent   - sample this host and serve consumers over WebSocket
//	lightguide server  - serve package operations and the event stream
//	lightguide watch   - print an agent's live telemetry
package main

import (
	"fmt"
	"os"
	"strings"

	"lightguide/cmd/agent"
	"lightguide/cmd/edit"
	"lightguide/cmd/server"
	"lightguide/cmd/watch"
)

const (
	defaultSystemPath = "/etc/lightguide/config.toml"
	defaultLocalPath  = "config.toml"
	version           = "0.3.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	// Parse --config flag if present
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			args = append(args[:i], args[i+2:]...)
			i--
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			configPath = strings.TrimPrefix(arg, "--config=")
			args = append(args[:i], args[i+1:]...)
			i--
			continue
		}
	}

	// Auto-discover config if not specified
	if configPath == "" {
		if _, err := os.Stat(defaultLocalPath); err == nil {
			configPath = defaultLocalPath
		} else {
			configPath = defaultSystemPath
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	var err error

	switch subcommand {
	case "agent":
		err = agent.Run(configPath)
	case "server":
		err = server.Run(configPath, version)
	case "watch":
		err = watch.Run(configPath)
	case "edit":
		err = edit.Run(configPath)
	case "version":
		fmt.Printf("lightguide v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`lightguide v%s - live host telemetry and operator events

Usage:
  lightguide <command> [--config <path>]

Commands:
  agent    Sample this host and stream metrics to WebSocket consumers
  server   Serve the package API and the per-client event stream
  watch    Connect to an agent and print its telemetry
  edit     Edit the configuration file in your system editor
  version  Print version information
  help     Show this help message

Options:
  --config <path>  Path to config file (default: looks for ./config.toml, then %s)

Examples:
  lightguide agent                      # Start the agent with default config
  lightguide watch --config dev.toml    # Watch the agent named in dev.toml
  lightguide edit                       # Edit configuration

`, version, defaultSystemPath)
}
