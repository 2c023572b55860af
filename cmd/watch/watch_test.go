package watch

import (
	"bytes"
	"strings"
	"testing"

	"lightguide/internal/protocol"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{8 << 30, "8.0 GiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d): got %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	metrics := formatMessage(protocol.Metrics{Snapshot: protocol.MetricsSnapshot{
		CPUUsage:  12.5,
		NetworkIn: 2048,
	}})
	if !strings.Contains(metrics, "cpu  12.5%") {
		t.Errorf("metrics line: %q", metrics)
	}
	if !strings.Contains(metrics, "2.0 KiB") {
		t.Errorf("metrics line missing bytes: %q", metrics)
	}

	host := formatMessage(protocol.HostInfoMessage{Info: protocol.HostInfo{Hostname: "edge-01", CPUCount: 4}})
	if !strings.HasPrefix(host, "host edge-01") {
		t.Errorf("host line: %q", host)
	}

	if got := formatMessage(protocol.Heartbeat{}); got != "heartbeat" {
		t.Errorf("heartbeat line: %q", got)
	}
}

func TestPrinter_RawWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf}
	p.print(protocol.Heartbeat{}, []byte(`{"type":"Heartbeat"}`))

	if got := buf.String(); got != "{\"type\":\"Heartbeat\"}\n" {
		t.Errorf("got %q", got)
	}
}

func TestPrinter_TruncatesToWidth(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf, tty: true, width: 5}
	p.print(protocol.Heartbeat{}, nil)

	if got := buf.String(); got != "heart\n" {
		t.Errorf("got %q", got)
	}
}
