package wire

import (
	"errors"
	"testing"
)

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type": "message",`))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %T, want *ProtocolError", err)
	}
	if perr.Unwrap() == nil {
		t.Error("expected the JSON error to be wrapped")
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"ts": 1000}`))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %T, want *ProtocolError", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type": "telemetry", "ts": 1000}`))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %T, want *ProtocolError", err)
	}
}

func TestDecodeRejectsMissingPayload(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"message without body", `{"type": "message", "ts": 1}`},
		{"ack without client id", `{"type": "ack", "ts": 1, "ack": {"message_id": "m1"}}`},
		{"snapshot without entries", `{"type": "presence_snapshot", "ts": 1}`},
		{"delta without id", `{"type": "presence_delta", "ts": 1, "delta": {"kind": "join"}}`},
		{"typing without payload", `{"type": "typing", "ts": 1}`},
		{"error without payload", `{"type": "error", "ts": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Errorf("error = %v, want *ProtocolError", err)
			}
		})
	}
}

func TestHeartbeatFramesCarryNoPayload(t *testing.T) {
	for _, typ := range []string{TypeHeartbeat, TypeHeartbeatAck, TypeSnapshotRequest} {
		f, err := Decode([]byte(`{"type": "` + typ + `", "ts": 1000}`))
		if err != nil {
			t.Errorf("Decode(%s) error = %v", typ, err)
			continue
		}
		if f.Type != typ || f.Timestamp != 1000 {
			t.Errorf("Decode(%s) = %+v", typ, f)
		}
	}
}

func TestEncodeDecodeMessage(t *testing.T) {
	in := &Frame{
		Type:      TypeMessage,
		Timestamp: 1234,
		Message: &MessageFrame{
			MessageID:      "m1",
			ClientID:       "c1",
			ConversationID: "cust-1",
			SenderID:       "agent-1",
			Body:           "hello",
			Attachment:     &AttachmentRef{URL: "https://files.example.com/x", Size: 10},
			Timestamp:      1234,
		},
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.Message == nil || out.Message.ClientID != "c1" || out.Message.Attachment.URL != in.Message.Attachment.URL {
		t.Errorf("round trip = %+v", out.Message)
	}
}

func TestDecodeAuthRejectedErrorFrame(t *testing.T) {
	f, err := Decode([]byte(`{"type": "error", "ts": 1, "error": {"code": "auth_rejected", "reason": "token expired"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Error.Code != CodeAuthRejected || f.Error.Reason != "token expired" {
		t.Errorf("error frame = %+v", f.Error)
	}
}
