package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightguide/internal/clock"
	"lightguide/internal/fanout"
	"lightguide/internal/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testKeepAlive = time.Second

func newTestServer(t *testing.T) (*httptest.Server, *fanout.Registry, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := fanout.New(fanout.DefaultCapacity, 0, clk, zerolog.Nop())
	h := New(reg, clk, testKeepAlive, nil, zerolog.Nop())

	r := gin.New()
	r.GET("/events", h.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg, clk
}

// openStream connects and returns a channel of raw lines. The server has
// subscribed by the time it returns.
func openStream(t *testing.T, ctx context.Context, url string, header http.Header) <-chan string {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer resp.Body.Close()
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

func nextLine(t *testing.T, lines <-chan string, timeout time.Duration) string {
	t.Helper()
	select {
	case line, ok := <-lines:
		require.True(t, ok, "stream ended")
		return line
	case <-time.After(timeout):
		t.Fatalf("no line within %s", timeout)
		return ""
	}
}

func nextNonBlank(t *testing.T, lines <-chan string) string {
	t.Helper()
	for {
		if line := nextLine(t, lines, 2*time.Second); line != "" {
			return line
		}
	}
}

// nextEvent skips keep-alives and blank separators.
func nextEvent(t *testing.T, lines <-chan string) (string, string) {
	t.Helper()
	for {
		line := nextLine(t, lines, 2*time.Second)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		require.True(t, strings.HasPrefix(line, "event: "), "got %q", line)
		data := nextLine(t, lines, time.Second)
		require.True(t, strings.HasPrefix(data, "data: "), "got %q", data)
		return strings.TrimPrefix(line, "event: "), strings.TrimPrefix(data, "data: ")
	}
}

func TestHandle_DeliversEventsForKey(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := openStream(t, ctx, srv.URL+"/events?key=console-1", nil)
	require.Equal(t, 1, reg.Receivers("console-1"))

	assert.Equal(t, 1, reg.Publish("console-1", protocol.InstallPackage{Identifier: "nginx-1.2"}))
	assert.Equal(t, 0, reg.Publish("console-2", protocol.InstallPackage{Identifier: "other"}))

	name, data := nextEvent(t, lines)
	assert.Equal(t, "install_package", name)
	assert.JSONEq(t, `{"type":"InstallPackage","identifier":"nginx-1.2"}`, data)
}

func TestHandle_InOrderDelivery(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := openStream(t, ctx, srv.URL+"/events?key=k", nil)

	for _, id := range []string{"a", "b", "c"} {
		reg.Publish("k", protocol.RemovePackage{Identifier: id})
	}
	for _, id := range []string{"a", "b", "c"} {
		name, data := nextEvent(t, lines)
		assert.Equal(t, "remove_package", name)
		ev, err := protocol.DecodeEvent([]byte(data))
		require.NoError(t, err)
		assert.Equal(t, protocol.RemovePackage{Identifier: id}, ev)
	}
}

func TestHandle_NoBacklogForNewClient(t *testing.T) {
	srv, reg, clk := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := openStream(t, ctx, srv.URL+"/events?key=k", nil)
	reg.Publish("k", protocol.InstallPackage{Identifier: "before"})
	name, _ := nextEvent(t, first)
	require.Equal(t, "install_package", name)

	late := openStream(t, ctx, srv.URL+"/events?key=k", nil)

	// The late client's first line is a keep-alive, not the earlier event.
	clk.WaitForTimers(2)
	clk.Advance(testKeepAlive)
	assert.Equal(t, ": keep-alive", nextNonBlank(t, late))

	reg.Publish("k", protocol.InstallPackage{Identifier: "after"})
	_, data := nextEvent(t, late)
	assert.Contains(t, data, `"after"`)
}

func TestHandle_KeepAliveWhenIdle(t *testing.T) {
	srv, _, clk := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := openStream(t, ctx, srv.URL+"/events?key=quiet", nil)
	clk.WaitForTimers(1)

	for i := 0; i < 3; i++ {
		clk.Advance(testKeepAlive)
		assert.Equal(t, ": keep-alive", nextNonBlank(t, lines), "tick %d", i)
	}
}

func TestHandle_NoKeepAliveBeforeInterval(t *testing.T) {
	srv, _, clk := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := openStream(t, ctx, srv.URL+"/events?key=quiet", nil)
	clk.WaitForTimers(1)
	clk.Advance(testKeepAlive / 2)

	select {
	case line := <-lines:
		t.Fatalf("unexpected line %q before the keep-alive interval", line)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandle_UnsubscribesOnDisconnect(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	openStream(t, ctx, srv.URL+"/events?key=gone", nil)
	require.Equal(t, 1, reg.Receivers("gone"))

	cancel()
	assert.Eventually(t, func() bool { return reg.Receivers("gone") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandle_KeysByUserAgent(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := openStream(t, ctx, srv.URL+"/events", http.Header{"User-Agent": {"Mozilla/5.0 test"}})
	require.Equal(t, 1, reg.Receivers("Mozilla/5.0 test"))

	reg.Publish("Mozilla/5.0 test", protocol.PackageUploaded{Identifier: "pkg.tar", Size: 7})
	name, _ := nextEvent(t, lines)
	assert.Equal(t, "package_uploaded", name)
}

func TestClientKey_Precedence(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header http.Header
		want   string
	}{
		{"query", "/events?key=q", http.Header{KeyHeader: {"h"}, "User-Agent": {"ua"}}, "q"},
		{"header", "/events", http.Header{KeyHeader: {"h"}, "User-Agent": {"ua"}}, "h"},
		{"user agent", "/events", http.Header{"User-Agent": {"ua"}}, "ua"},
		{"nothing", "/events", http.Header{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, tt.url, nil)
			c.Request.Header = tt.header
			assert.Equal(t, tt.want, ClientKey(c))
		})
	}
}
