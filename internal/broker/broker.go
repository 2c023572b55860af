// Package broker accepts consumer WebSocket connections on the agent,
// forwards bus traffic to them and dispatches their commands.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"lightguide/internal/bus"
	"lightguide/internal/protocol"
)

// Controller receives the monitoring commands of each connection.
type Controller interface {
	Start(connID string, period time.Duration) error
	Stop(connID string)
	// Release is called once a connection has closed.
	Release(connID string)
	HostInfo() protocol.HostInfo
}

// Options tunes connection handling.
type Options struct {
	// WriteTimeout bounds a single frame write. Zero selects 10s.
	WriteTimeout time.Duration
	// ReadLimit caps inbound frame size in bytes. Zero keeps the library
	// default.
	ReadLimit int64
	// OriginPatterns restricts browser origins. Empty accepts any origin.
	OriginPatterns []string
}

const defaultWriteTimeout = 10 * time.Second

// maxIntervalSecs is the largest interval that fits a time.Duration.
const maxIntervalSecs = uint64(math.MaxInt64 / int64(time.Second))

var (
	errBusClosed  = errors.New("bus closed")
	errPeerClosed = errors.New("peer closed connection")
)

// Broker is an http.Handler that upgrades every request to a consumer
// session.
type Broker struct {
	bus      *bus.Bus[protocol.AgentMessage]
	ctl      Controller
	log      zerolog.Logger
	opts     Options
	active   atomic.Int64
	sessions *xsync.MapOf[string, *session]
}

// New returns a Broker publishing from b and dispatching to ctl.
func New(b *bus.Bus[protocol.AgentMessage], ctl Controller, log zerolog.Logger, opts Options) *Broker {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Broker{
		bus:      b,
		ctl:      ctl,
		log:      log.With().Str("component", "broker").Logger(),
		opts:     opts,
		sessions: xsync.NewMapOf[string, *session](),
	}
}

// Active returns the number of open sessions.
func (b *Broker) Active() int { return int(b.active.Load()) }

// Sessions returns a snapshot of every known session ordered by start time.
func (b *Broker) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, b.sessions.Size())
	b.sessions.Range(func(_ string, s *session) bool {
		out = append(out, s.info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// SessionsHandler serves the Sessions snapshot as JSON.
func (b *Broker) SessionsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(b.Sessions()); err != nil {
			b.log.Debug().Err(err).Msg("Writing sessions failed")
		}
	})
}

// ServeHTTP performs the handshake and serves the session until either
// side ends it.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := &session{
		id:     uuid.NewString(),
		remote: r.RemoteAddr,
		since:  time.Now(),
	}
	s.state.Store(int32(StateConnecting))
	log := b.log.With().Str("conn", s.id).Str("remote", s.remote).Logger()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     b.opts.OriginPatterns,
		InsecureSkipVerify: len(b.opts.OriginPatterns) == 0,
	})
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket handshake failed")
		return
	}
	if b.opts.ReadLimit > 0 {
		conn.SetReadLimit(b.opts.ReadLimit)
	}
	s.conn = conn

	// Subscribe before reporting Open so nothing sent afterwards is missed.
	s.rx = b.bus.Subscribe()
	b.sessions.Store(s.id, s)
	s.state.Store(int32(StateOpen))
	b.active.Add(1)
	log.Info().Int("active", b.Active()).Msg("Consumer connected")

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return b.outbound(ctx, s, log) })
	g.Go(func() error { return b.inbound(ctx, s, log) })
	err = g.Wait()

	s.state.Store(int32(StateClosing))
	b.active.Add(-1)
	s.rx.Close()
	b.ctl.Release(s.id)

	switch {
	case errors.Is(err, errBusClosed):
		conn.Close(websocket.StatusGoingAway, "agent shutting down")
	case errors.Is(err, errPeerClosed):
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		conn.CloseNow()
	}

	s.state.Store(int32(StateClosed))
	b.sessions.Delete(s.id)
	log.Info().Str("reason", err.Error()).Int("active", b.Active()).Msg("Consumer disconnected")
}

// outbound forwards bus messages to the connection. It always returns a
// non-nil error so the inbound pump is cancelled with it.
func (b *Broker) outbound(ctx context.Context, s *session, log zerolog.Logger) error {
	for {
		msg, err := s.rx.Recv(ctx)
		var lagged *bus.LaggedError
		switch {
		case err == nil:
		case errors.As(err, &lagged):
			log.Warn().Uint64("missed", lagged.Missed).Msg("Slow consumer, messages skipped")
			continue
		case errors.Is(err, bus.ErrClosed):
			return errBusClosed
		default:
			return err
		}

		data, err := protocol.EncodeAgent(msg)
		if err != nil {
			log.Error().Err(err).Str("type", msg.MessageType()).Msg("Failed to encode message")
			continue
		}
		if err := b.write(ctx, s, data); err != nil {
			return fmt.Errorf("writing %s: %w", msg.MessageType(), err)
		}
	}
}

// inbound reads and dispatches consumer commands. Like outbound it never
// returns nil.
func (b *Broker) inbound(ctx context.Context, s *session, log zerolog.Logger) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				log.Debug().Int("status", int(status)).Msg("Close frame received")
				return errPeerClosed
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		if typ != websocket.MessageText {
			log.Debug().Int("bytes", len(data)).Msg("Ignoring binary frame")
			continue
		}

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping malformed command")
			continue
		}
		if err := b.dispatch(ctx, s, cmd, log); err != nil {
			return err
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, s *session, cmd protocol.ConsumerCommand, log zerolog.Logger) error {
	switch c := cmd.(type) {
	case protocol.RequestHostInfo:
		data, err := protocol.EncodeAgent(protocol.HostInfoMessage{Info: b.ctl.HostInfo()})
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode host info")
			return nil
		}
		if err := b.write(ctx, s, data); err != nil {
			return fmt.Errorf("writing host info: %w", err)
		}
		log.Debug().Msg("Host info sent")
	case protocol.StartMonitoring:
		if c.IntervalSecs > maxIntervalSecs {
			log.Warn().Uint64("interval_secs", c.IntervalSecs).Msg("Monitoring interval out of range")
			return nil
		}
		if err := b.ctl.Start(s.id, time.Duration(c.IntervalSecs)*time.Second); err != nil {
			log.Warn().Err(err).Msg("Monitoring request rejected")
		}
	case protocol.StopMonitoring:
		b.ctl.Stop(s.id)
	case protocol.CommandHeartbeat:
		log.Debug().Msg("Heartbeat received")
	}
	return nil
}

func (b *Broker) write(ctx context.Context, s *session, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.WriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}
