package broker

import (
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"lightguide/internal/bus"
	"lightguide/internal/protocol"
)

// State is the lifecycle stage of a consumer session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionInfo describes a session for introspection.
type SessionInfo struct {
	ID     string    `json:"id"`
	Remote string    `json:"remote"`
	State  string    `json:"state"`
	Since  time.Time `json:"since"`
}

type session struct {
	id     string
	remote string
	since  time.Time
	state  atomic.Int32
	conn   *websocket.Conn
	rx     *bus.Receiver[protocol.AgentMessage]
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:     s.id,
		Remote: s.remote,
		State:  State(s.state.Load()).String(),
		Since:  s.since,
	}
}
