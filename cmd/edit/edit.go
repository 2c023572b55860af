// Package edit implements the lightguide config editor entry point.
package edit

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// DefaultConfig is written when the config file does not exist yet.
const DefaultConfig = `[agent]
  listen             = ":8080"
  interval           = "5s"
  bus_capacity       = 1000
  max_connections    = 256
  interval_policy    = "last"   # last, fastest or fixed
  heartbeat_interval = "0s"     # 0s disables agent heartbeats
  start_paused       = false
  disk_path          = "/"
  write_timeout      = "10s"
  read_limit         = 0        # 0 keeps the WebSocket default
  origin_patterns    = []       # empty accepts any origin
  log_level          = "info"

[server]
  listen          = ":3000"
  db_path         = "/var/lib/lightguide/server.db"
  fanout_capacity = 100
  keep_alive      = "1s"
  idle_ttl        = "10m"       # 0s keeps idle channels forever
  sweep_interval  = "1m"
  upload_limit_mb = 100
  log_level       = "info"

[watch]
  agent_url     = "ws://localhost:8080"
  interval_secs = 5
`

// Run opens the configuration file in the system editor.
// If the file does not exist, it creates it with default values.
func Run(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	if err := writeDefault(path); err != nil {
		return err
	}

	editor, err := findEditor()
	if err != nil {
		return err
	}

	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// writeDefault creates path with DefaultConfig unless it already exists.
func writeDefault(path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return nil
	}
	fmt.Printf("Creating new config file at %s...\n", path)
	if err := os.WriteFile(path, []byte(DefaultConfig), 0644); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}

func findEditor() (string, error) {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor, nil
	}
	for _, e := range []string{"vi", "nano", "vim"} {
		if _, err := exec.LookPath(e); err == nil {
			return e, nil
		}
	}
	return "", fmt.Errorf("no editor found ($EDITOR environment variable not set, and vi/nano/vim not in PATH)")
}
