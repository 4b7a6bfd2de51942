// Package archive persists transcripts and roster state to a per-session
// SQLite database. It is a write-behind cache owned by the embedding app:
// the in-memory stores remain the source of truth while connected, and the
// archive exists so history survives restarts.
package archive

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/felipeag/deskchat/internal/bus"
	"github.com/felipeag/deskchat/internal/outbound"
	"github.com/felipeag/deskchat/internal/presence"
	"github.com/felipeag/deskchat/internal/wire"
)

// Message is one archived message row.
type Message struct {
	ID             int64
	ConversationID string
	MessageID      string
	ClientID       string
	SenderID       string
	Body           string
	AttachmentURL  string
	FromMe         bool
	Status         string
	Timestamp      int64
}

// Counterparty is one archived roster row.
type Counterparty struct {
	ID           string
	DisplayName  string
	Presence     string
	LastActivity int64
}

// Archive records session traffic as it flows over the event bus.
type Archive struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	localUser string
	unsubs    []func()
}

func New(db *DB, b *bus.Bus, logger *zap.Logger) *Archive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{db: db, bus: b, logger: logger}
}

// SetLocalUser records the agent's own id so inbound frames can be
// classified. Must be called before Start.
func (a *Archive) SetLocalUser(id string) {
	a.mu.Lock()
	a.localUser = id
	a.mu.Unlock()
}

// Start subscribes the archive to the bus.
func (a *Archive) Start() {
	a.unsubs = append(a.unsubs,
		a.bus.Subscribe("wire.message", a.onWireMessage),
		a.bus.Subscribe("message.terminal", a.onTerminal),
		a.bus.Subscribe("presence.updated", a.onPresence),
	)
}

// Stop detaches the archive from the bus. The database stays open; the
// caller owns its lifecycle.
func (a *Archive) Stop() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
}

func (a *Archive) onWireMessage(evt bus.Event) {
	mf, ok := evt.Payload.(*wire.MessageFrame)
	if !ok {
		return
	}
	a.mu.Lock()
	fromMe := mf.SenderID == a.localUser && a.localUser != ""
	a.mu.Unlock()

	rec := &Message{
		ConversationID: mf.ConversationID,
		MessageID:      mf.MessageID,
		ClientID:       mf.ClientID,
		SenderID:       mf.SenderID,
		Body:           mf.Body,
		FromMe:         fromMe,
		Status:         "received",
		Timestamp:      mf.Timestamp,
	}
	if mf.Attachment != nil {
		rec.AttachmentURL = mf.Attachment.URL
	}
	if err := a.UpsertMessage(rec); err != nil {
		a.logger.Warn("archive message", zap.String("msg_id", mf.MessageID), zap.Error(err))
	}
}

func (a *Archive) onTerminal(evt bus.Event) {
	env, ok := evt.Payload.(outbound.Envelope)
	if !ok {
		return
	}
	messageID := env.MessageID
	if messageID == "" {
		messageID = env.ClientID
	}
	a.mu.Lock()
	sender := a.localUser
	a.mu.Unlock()

	rec := &Message{
		ConversationID: env.Payload.ConversationID,
		MessageID:      messageID,
		ClientID:       env.ClientID,
		SenderID:       sender,
		Body:           env.Payload.Body,
		FromMe:         true,
		Status:         string(env.Status),
		Timestamp:      env.CreatedAt.UnixMilli(),
	}
	if env.Payload.Attachment != nil {
		rec.AttachmentURL = env.Payload.Attachment.URL
	}
	if err := a.UpsertMessage(rec); err != nil {
		a.logger.Warn("archive terminal message", zap.String("client_id", env.ClientID), zap.Error(err))
	}
}

func (a *Archive) onPresence(evt bus.Event) {
	roster, ok := evt.Payload.([]presence.Counterparty)
	if !ok {
		return
	}
	for i := range roster {
		cp := &roster[i]
		err := a.UpsertCounterparty(&Counterparty{
			ID:           cp.ID,
			DisplayName:  cp.DisplayName,
			Presence:     string(cp.Presence),
			LastActivity: cp.LastActivity.UnixMilli(),
		})
		if err != nil {
			a.logger.Warn("archive counterparty", zap.String("id", cp.ID), zap.Error(err))
		}
	}
}

// UpsertMessage inserts or updates a message, idempotent on
// (conversation_id, message_id).
func (a *Archive) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := a.db.Exec(`
		INSERT INTO messages (conversation_id, message_id, client_id, sender_id, body, attachment_url, from_me, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			body = excluded.body,
			status = excluded.status`,
		m.ConversationID, m.MessageID, m.ClientID, m.SenderID, m.Body, m.AttachmentURL, m.FromMe, m.Status, m.Timestamp, now)
	return err
}

// ListMessages returns a conversation's history using keyset pagination by
// timestamp, newest first.
func (a *Archive) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := a.db.Query(`
		SELECT id, conversation_id, message_id, client_id, sender_id, body, attachment_url, from_me, status, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MessageID, &m.ClientID, &m.SenderID, &m.Body, &m.AttachmentURL, &m.FromMe, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpsertCounterparty inserts or updates a roster row.
func (a *Archive) UpsertCounterparty(cp *Counterparty) error {
	_, err := a.db.Exec(`
		INSERT INTO counterparties (id, display_name, presence, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			presence = excluded.presence,
			last_activity = excluded.last_activity`,
		cp.ID, cp.DisplayName, cp.Presence, cp.LastActivity)
	return err
}

// ListCounterparties returns archived roster rows, most recently active first.
func (a *Archive) ListCounterparties() ([]Counterparty, error) {
	rows, err := a.db.Query(`
		SELECT id, display_name, presence, last_activity
		FROM counterparties
		ORDER BY last_activity DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Counterparty
	for rows.Next() {
		var cp Counterparty
		if err := rows.Scan(&cp.ID, &cp.DisplayName, &cp.Presence, &cp.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
