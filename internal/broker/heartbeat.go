package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"lightguide/internal/bus"
	"lightguide/internal/clock"
	"lightguide/internal/protocol"
)

// RunHeartbeat sends a Heartbeat on b every interval until ctx is done.
// A non-positive interval disables it.
func RunHeartbeat(ctx context.Context, b *bus.Bus[protocol.AgentMessage], clk clock.Clock, interval time.Duration, log zerolog.Logger) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n := b.Send(protocol.Heartbeat{})
			log.Debug().Int("receivers", n).Msg("Heartbeat sent")
		}
	}
}
