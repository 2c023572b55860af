package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is wrapped by DecodeError when a frame carries a type the
// decoder does not recognise. Consumers may skip such frames.
var ErrUnknownType = errors.New("unknown message type")

// ErrInvalidInterval is wrapped by DecodeError for StartMonitoring frames
// without a positive interval.
var ErrInvalidInterval = errors.New("interval_secs must be greater than zero")

// DecodeError reports a frame that could not be decoded. It never implies
// that the connection is broken.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decoding %s frame: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("decoding frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type envelope struct {
	Type string `json:"type"`
}

// EncodeAgent serialises an agent message.
func EncodeAgent(m AgentMessage) ([]byte, error) {
	switch v := m.(type) {
	case Metrics:
		return json.Marshal(struct {
			Type string `json:"type"`
			MetricsSnapshot
		}{TypeMetrics, v.Snapshot})
	case HostInfoMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			HostInfo
		}{TypeHostInfo, v.Info})
	case Heartbeat:
		return json.Marshal(envelope{TypeHeartbeat})
	default:
		return nil, fmt.Errorf("encoding agent message %T: %w", m, ErrUnknownType)
	}
}

// DecodeAgent parses an agent message.
func DecodeAgent(data []byte) (AgentMessage, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeMetrics:
		var s MetricsSnapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, &DecodeError{Type: typ, Err: err}
		}
		return Metrics{Snapshot: s}, nil
	case TypeHostInfo:
		var info HostInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, &DecodeError{Type: typ, Err: err}
		}
		return HostInfoMessage{Info: info}, nil
	case TypeHeartbeat:
		return Heartbeat{}, nil
	default:
		return nil, &DecodeError{Type: typ, Err: ErrUnknownType}
	}
}

// EncodeCommand serialises a consumer command.
func EncodeCommand(c ConsumerCommand) ([]byte, error) {
	switch v := c.(type) {
	case StartMonitoring:
		return json.Marshal(struct {
			Type string `json:"type"`
			StartMonitoring
		}{TypeStartMonitoring, v})
	case RequestHostInfo, StopMonitoring, CommandHeartbeat:
		return json.Marshal(envelope{c.CommandType()})
	default:
		return nil, fmt.Errorf("encoding command %T: %w", c, ErrUnknownType)
	}
}

// DecodeCommand parses a consumer command.
func DecodeCommand(data []byte) (ConsumerCommand, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeRequestHostInfo:
		return RequestHostInfo{}, nil
	case TypeStartMonitoring:
		var cmd StartMonitoring
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, &DecodeError{Type: typ, Err: err}
		}
		if cmd.IntervalSecs == 0 {
			return nil, &DecodeError{Type: typ, Err: ErrInvalidInterval}
		}
		return cmd, nil
	case TypeStopMonitoring:
		return StopMonitoring{}, nil
	case TypeHeartbeat:
		return CommandHeartbeat{}, nil
	default:
		return nil, &DecodeError{Type: typ, Err: ErrUnknownType}
	}
}

// EncodeEvent serialises an operational event.
func EncodeEvent(e OperationalEvent) ([]byte, error) {
	switch v := e.(type) {
	case InstallPackage:
		return json.Marshal(struct {
			Type string `json:"type"`
			InstallPackage
		}{TypeInstallPackage, v})
	case RemovePackage:
		return json.Marshal(struct {
			Type string `json:"type"`
			RemovePackage
		}{TypeRemovePackage, v})
	case PackageUploaded:
		return json.Marshal(struct {
			Type string `json:"type"`
			PackageUploaded
		}{TypePackageUploaded, v})
	default:
		return nil, fmt.Errorf("encoding event %T: %w", e, ErrUnknownType)
	}
}

// DecodeEvent parses an operational event.
func DecodeEvent(data []byte) (OperationalEvent, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}

	var ev OperationalEvent
	switch typ {
	case TypeInstallPackage:
		var v InstallPackage
		err = json.Unmarshal(data, &v)
		ev = v
	case TypeRemovePackage:
		var v RemovePackage
		err = json.Unmarshal(data, &v)
		ev = v
	case TypePackageUploaded:
		var v PackageUploaded
		err = json.Unmarshal(data, &v)
		ev = v
	default:
		return nil, &DecodeError{Type: typ, Err: ErrUnknownType}
	}
	if err != nil {
		return nil, &DecodeError{Type: typ, Err: err}
	}
	return ev, nil
}

func peekType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", &DecodeError{Err: err}
	}
	if env.Type == "" {
		return "", &DecodeError{Err: errors.New("missing type field")}
	}
	return env.Type, nil
}
