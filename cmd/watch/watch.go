// Package watch implements a terminal consumer that prints an agent's
// live telemetry.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/term"

	"lightguide/internal/protocol"
	"lightguide/pkg/config"
)

// Run connects to the configured agent, requests host info and
// monitoring, and prints every frame until interrupted.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, cfg.Watch.AgentURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Watch.AgentURL, err)
	}
	defer conn.CloseNow()

	p := newPrinter(os.Stdout)

	for _, cmd := range []protocol.ConsumerCommand{
		protocol.RequestHostInfo{},
		protocol.StartMonitoring{IntervalSecs: cfg.Watch.IntervalSecs},
	} {
		data, err := protocol.EncodeCommand(cmd)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", cmd.CommandType(), err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("sending %s: %w", cmd.CommandType(), err)
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			if status := websocket.CloseStatus(err); status != -1 {
				fmt.Fprintf(os.Stderr, "Agent closed connection: %s\n", status)
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		msg, err := protocol.DecodeAgent(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Skipping frame: %v\n", err)
			continue
		}
		p.print(msg, data)
	}
}

// printer renders aligned lines on a terminal and raw JSON otherwise.
type printer struct {
	out   io.Writer
	tty   bool
	width int
}

func newPrinter(f *os.File) *printer {
	p := &printer{out: f}
	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		p.tty = true
		if w, _, err := term.GetSize(fd); err == nil {
			p.width = w
		}
	}
	return p
}

func (p *printer) print(msg protocol.AgentMessage, raw []byte) {
	if !p.tty {
		fmt.Fprintf(p.out, "%s\n", raw)
		return
	}
	line := formatMessage(msg)
	if p.width > 0 && len(line) > p.width {
		line = line[:p.width]
	}
	fmt.Fprintln(p.out, line)
}

func formatMessage(msg protocol.AgentMessage) string {
	switch m := msg.(type) {
	case protocol.Metrics:
		s := m.Snapshot
		ts := time.Unix(int64(s.Timestamp), 0).Format(time.TimeOnly)
		return fmt.Sprintf("%s  cpu %5.1f%%  mem %5.1f%%  disk %5.1f%%  in %10s  out %10s",
			ts, s.CPUUsage, s.MemoryUsage, s.DiskUsage, formatBytes(s.NetworkIn), formatBytes(s.NetworkOut))
	case protocol.HostInfoMessage:
		h := m.Info
		return fmt.Sprintf("host %s  %s %s  kernel %s  %d cpus  %s ram  up %s",
			h.Hostname, h.OSName, h.OSVersion, h.KernelVersion, h.CPUCount,
			formatBytes(h.TotalMemory), time.Duration(h.Uptime)*time.Second)
	case protocol.Heartbeat:
		return "heartbeat"
	default:
		return msg.MessageType()
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
