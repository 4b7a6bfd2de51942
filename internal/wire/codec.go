package wire

import (
	"encoding/json"
	"fmt"
)

// ProtocolError reports a frame that could not be decoded or that violates
// the envelope contract. The frame is dropped; the connection stays up.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Encode serializes a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a raw frame. All failures are ProtocolError so callers can
// distinguish a bad frame from a dead socket.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	if f.Type == "" {
		return nil, &ProtocolError{Reason: "missing type discriminator"}
	}
	if err := checkPayload(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func checkPayload(f *Frame) error {
	switch f.Type {
	case TypeMessage:
		if f.Message == nil {
			return &ProtocolError{Reason: "message frame without payload"}
		}
	case TypeAck:
		if f.Ack == nil || f.Ack.ClientID == "" {
			return &ProtocolError{Reason: "ack frame without client id"}
		}
	case TypePresenceSnapshot:
		if f.Snapshot == nil {
			return &ProtocolError{Reason: "snapshot frame without payload"}
		}
	case TypePresenceDelta:
		if f.Delta == nil || f.Delta.ID == "" {
			return &ProtocolError{Reason: "delta frame without id"}
		}
	case TypeTyping:
		if f.Typing == nil {
			return &ProtocolError{Reason: "typing frame without payload"}
		}
	case TypeError:
		if f.Error == nil {
			return &ProtocolError{Reason: "error frame without payload"}
		}
	case TypeHeartbeat, TypeHeartbeatAck, TypeSnapshotRequest:
		// No payload.
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
	return nil
}
