// Package stream serves operational events to browsers as Server-Sent
// Events.
package stream

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"lightguide/internal/bus"
	"lightguide/internal/clock"
	"lightguide/internal/fanout"
	"lightguide/internal/protocol"
)

// DefaultKeepAlive is the interval between keep-alive comments.
const DefaultKeepAlive = time.Second

// KeyHeader carries the client key when the query parameter is absent.
const KeyHeader = "X-Client-Key"

// KeyFunc derives the subscription key for a request.
type KeyFunc func(c *gin.Context) string

// ClientKey resolves the key from the "key" query parameter, then the
// X-Client-Key header, then the User-Agent.
func ClientKey(c *gin.Context) string {
	if key := c.Query("key"); key != "" {
		return key
	}
	if key := c.GetHeader(KeyHeader); key != "" {
		return key
	}
	return c.GetHeader("User-Agent")
}

// Handler streams the events published under a client's key.
type Handler struct {
	reg       *fanout.Registry
	clock     clock.Clock
	keepAlive time.Duration
	keyFunc   KeyFunc
	log       zerolog.Logger
}

// New returns a Handler. A non-positive keepAlive selects DefaultKeepAlive
// and a nil keyFunc selects ClientKey.
func New(reg *fanout.Registry, clk clock.Clock, keepAlive time.Duration, keyFunc KeyFunc, log zerolog.Logger) *Handler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	if keyFunc == nil {
		keyFunc = ClientKey
	}
	return &Handler{
		reg:       reg,
		clock:     clk,
		keepAlive: keepAlive,
		keyFunc:   keyFunc,
		log:       log.With().Str("component", "stream").Logger(),
	}
}

// Handle subscribes the caller and writes events until the client goes
// away. Only events published after the subscription are delivered.
func (h *Handler) Handle(c *gin.Context) {
	key := h.keyFunc(c)
	rx := h.reg.Subscribe(key)
	defer rx.Close()

	log := h.log.With().Str("key", key).Str("remote", c.ClientIP()).Logger()
	log.Info().Msg("Stream opened")
	defer log.Info().Msg("Stream closed")

	w := c.Writer
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				log.Debug().Err(err).Msg("Keep-alive write failed")
				return
			}
			w.Flush()
		case <-rx.Ready():
			if err := h.drain(w, rx, log); err != nil {
				if !errors.Is(err, bus.ErrClosed) {
					log.Debug().Err(err).Msg("Event write failed")
				}
				return
			}
		}
	}
}

// drain writes every pending event and flushes once.
func (h *Handler) drain(w gin.ResponseWriter, rx *bus.Receiver[protocol.OperationalEvent], log zerolog.Logger) error {
	defer w.Flush()

	for {
		ev, err := rx.TryRecv()
		var lagged *bus.LaggedError
		switch {
		case err == nil:
		case errors.Is(err, bus.ErrEmpty):
			return nil
		case errors.As(err, &lagged):
			log.Warn().Uint64("missed", lagged.Missed).Msg("Slow stream, events skipped")
			continue
		default:
			return err
		}

		if err := writeEvent(w, ev); err != nil {
			return err
		}
	}
}

func writeEvent(w gin.ResponseWriter, ev protocol.OperationalEvent) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ev.EventName(), err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventName(), data)
	return err
}
