package wire

// Frame type discriminators carried in the "type" field of every frame.
const (
	TypeMessage          = "message"
	TypeAck              = "ack"
	TypePresenceSnapshot = "presence_snapshot"
	TypePresenceDelta    = "presence_delta"
	TypeTyping           = "typing"
	TypeHeartbeat        = "heartbeat"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeSnapshotRequest  = "snapshot_request"
	TypeError            = "error"
)

// Presence is a counterparty's availability as reported by the backend.
type Presence string

const (
	Online  Presence = "online"
	Away    Presence = "away"
	Busy    Presence = "busy"
	Offline Presence = "offline"
)

// Frame is the envelope for every wire exchange. Exactly one payload
// pointer is set, matching Type. Timestamp is server time in milliseconds.
type Frame struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"ts"`
	Message   *MessageFrame  `json:"message,omitempty"`
	Ack       *AckFrame      `json:"ack,omitempty"`
	Snapshot  *SnapshotFrame `json:"snapshot,omitempty"`
	Delta     *DeltaFrame    `json:"delta,omitempty"`
	Typing    *TypingFrame   `json:"typing,omitempty"`
	Error     *ErrorFrame    `json:"error,omitempty"`
}

// MessageFrame carries one chat message in either direction. Outbound
// frames set ClientID for ack correlation; inbound frames set MessageID.
type MessageFrame struct {
	MessageID      string         `json:"message_id,omitempty"`
	ClientID       string         `json:"client_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id,omitempty"`
	Body           string         `json:"body,omitempty"`
	Attachment     *AttachmentRef `json:"attachment,omitempty"`
	Timestamp      int64          `json:"timestamp"`
}

// AttachmentRef describes a resource already uploaded out of band.
// The core never moves file bytes, only this descriptor.
type AttachmentRef struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// AckFrame confirms receipt of a client-originated message.
type AckFrame struct {
	ClientID  string `json:"client_id"`
	MessageID string `json:"message_id,omitempty"`
}

// RosterEntry is one counterparty in a presence snapshot.
type RosterEntry struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Presence     Presence `json:"presence"`
	LastActivity int64    `json:"last_activity,omitempty"`
}

// SnapshotFrame is a full roster snapshot. Counterparties absent from
// Entries are offline as far as the server is concerned.
type SnapshotFrame struct {
	Entries []RosterEntry `json:"entries"`
}

// Delta kinds.
const (
	DeltaJoin   = "join"
	DeltaLeave  = "leave"
	DeltaStatus = "status"
)

// DeltaFrame is an incremental roster change for a single counterparty.
type DeltaFrame struct {
	Kind        string   `json:"kind"`
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	Presence    Presence `json:"presence,omitempty"`
}

// TypingFrame signals that a counterparty is composing a message.
type TypingFrame struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
}

// ErrorFrame is a server-reported error. Code "auth_rejected" is fatal.
type ErrorFrame struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// CodeAuthRejected marks a credential failure; the session must not retry.
const CodeAuthRejected = "auth_rejected"
