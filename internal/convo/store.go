package convo

import (
	"sync"
	"time"

	"github.com/felipeag/deskchat/internal/bus"
	"github.com/felipeag/deskchat/internal/outbound"
	"github.com/felipeag/deskchat/internal/wire"
	"go.uber.org/zap"
)

// Message statuses as displayed to the UI.
const (
	StatusReceived     = "received"
	StatusAcknowledged = "acknowledged"
	StatusFailed       = "failed"
)

// Message is one delivered or received chat unit.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	Body           string
	Attachment     *wire.AttachmentRef
	Timestamp      time.Time // server timestamp, the primary ordering key
	SentAt         time.Time // local send time, tie-break for local messages
	Status         string
	FromMe         bool

	seq uint64 // arrival order, stabilizes equal-timestamp remote messages
}

// Config controls store behavior. Zero fields get defaults.
type Config struct {
	TypingTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.TypingTTL <= 0 {
		c.TypingTTL = 5 * time.Second
	}
}

// Store holds per-counterparty ordered message lists with dedup by id,
// unread counters, and typing-indicator expiry. Append and MarkRead are the
// only mutators of a conversation.
type Store struct {
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	messages  map[string][]Message            // conversation id -> ordered sequence
	seen      map[string]map[string]struct{}  // conversation id -> message/client ids
	unread    map[string]int                  // conversation id -> unread count
	typing    map[string]map[string]time.Time // conversation id -> sender id -> expiry
	focused   string
	localUser string
	seq       uint64
	unsubs    []func()
}

// NewStore creates an empty conversation store.
func NewStore(cfg Config, b *bus.Bus, logger *zap.Logger) *Store {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		messages: make(map[string][]Message),
		seen:     make(map[string]map[string]struct{}),
		unread:   make(map[string]int),
		typing:   make(map[string]map[string]time.Time),
	}
}

// SetLocalUser records the session's own identity so self-authored messages
// never count as unread.
func (s *Store) SetLocalUser(id string) {
	s.mu.Lock()
	s.localUser = id
	s.mu.Unlock()
}

// Start subscribes the store to inbound message, terminal-envelope, and
// typing events.
func (s *Store) Start() {
	s.unsubs = append(s.unsubs,
		s.bus.Subscribe("wire.message", s.onWireMessage),
		s.bus.Subscribe("wire.typing", s.onTyping),
		s.bus.Subscribe("message.terminal", s.onTerminal),
	)
}

// Stop removes the store's subscriptions.
func (s *Store) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

func (s *Store) onWireMessage(evt bus.Event) {
	mf, ok := evt.Payload.(*wire.MessageFrame)
	if !ok {
		return
	}
	s.mu.Lock()
	local := mf.SenderID != "" && mf.SenderID == s.localUser
	s.mu.Unlock()

	s.Append(Message{
		ID:             mf.MessageID,
		ClientID:       mf.ClientID,
		ConversationID: mf.ConversationID,
		SenderID:       mf.SenderID,
		Body:           mf.Body,
		Attachment:     mf.Attachment,
		Timestamp:      time.UnixMilli(mf.Timestamp),
		Status:         StatusReceived,
		FromMe:         local,
	})
}

// onTerminal takes ownership of envelopes the outbound queue is done with:
// acknowledged or permanently failed messages become display records.
func (s *Store) onTerminal(evt bus.Event) {
	env, ok := evt.Payload.(outbound.Envelope)
	if !ok {
		return
	}
	status := StatusAcknowledged
	if env.Status == outbound.Failed {
		status = StatusFailed
	}
	id := env.MessageID
	if id == "" {
		id = env.ClientID
	}
	s.mu.Lock()
	sender := s.localUser
	s.mu.Unlock()

	s.Append(Message{
		ID:             id,
		ClientID:       env.ClientID,
		ConversationID: env.Payload.ConversationID,
		SenderID:       sender,
		Body:           env.Payload.Body,
		Attachment:     env.Payload.Attachment,
		Timestamp:      env.CreatedAt, // until the server echoes its own timestamp
		SentAt:         env.CreatedAt,
		Status:         status,
		FromMe:         true,
	})
}

// Append inserts a message into its conversation's ordered sequence. A
// message whose id (or client id) was already appended is discarded
// silently: receipt is idempotent under at-least-once delivery and local
// echoes of just-sent messages.
func (s *Store) Append(msg Message) {
	s.mu.Lock()
	ids := s.seen[msg.ConversationID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.seen[msg.ConversationID] = ids
	}
	if msg.ID != "" {
		if _, dup := ids[msg.ID]; dup {
			s.mu.Unlock()
			return
		}
	}
	if msg.ClientID != "" {
		if _, dup := ids[msg.ClientID]; dup {
			s.mu.Unlock()
			return
		}
	}
	if msg.ID != "" {
		ids[msg.ID] = struct{}{}
	}
	if msg.ClientID != "" {
		ids[msg.ClientID] = struct{}{}
	}

	s.seq++
	msg.seq = s.seq
	seqList := s.insertOrdered(s.messages[msg.ConversationID], msg)
	s.messages[msg.ConversationID] = seqList

	if !msg.FromMe && msg.ConversationID != s.focused {
		s.unread[msg.ConversationID]++
	}
	unread := s.unread[msg.ConversationID]
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Kind:      "convo.message_appended",
		Timestamp: time.Now(),
		Payload: Appended{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Unread:         unread,
		},
	})
}

// Appended is the payload for "convo.message_appended" events.
type Appended struct {
	ConversationID string
	MessageID      string
	Unread         int
}

// insertOrdered places msg by server timestamp; for equal timestamps, local
// messages order by their send time, everything else keeps arrival order.
func (s *Store) insertOrdered(seq []Message, msg Message) []Message {
	i := len(seq)
	for i > 0 && messageAfter(seq[i-1], msg) {
		i--
	}
	seq = append(seq, Message{})
	copy(seq[i+1:], seq[i:])
	seq[i] = msg
	return seq
}

// messageAfter reports whether a sorts strictly after b.
func messageAfter(a, b Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.FromMe && b.FromMe && !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.After(b.SentAt)
	}
	return a.seq > b.seq
}

// Messages returns a copy of the conversation's ordered sequence.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.messages[conversationID]
	out := make([]Message, len(seq))
	copy(out, seq)
	return out
}

// Unread returns the conversation's unread counter.
func (s *Store) Unread(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[conversationID]
}

// MarkRead zeroes the conversation's unread counter.
func (s *Store) MarkRead(conversationID string) {
	s.mu.Lock()
	s.unread[conversationID] = 0
	s.mu.Unlock()
	s.bus.Publish(bus.Event{
		Kind:      "convo.read",
		Timestamp: time.Now(),
		Payload:   conversationID,
	})
}

// Focus marks the conversation the user is currently viewing; messages
// arriving for it do not accrue unread. Focus does not zero the counter;
// MarkRead is the only mutator besides Append.
func (s *Store) Focus(conversationID string) {
	s.mu.Lock()
	s.focused = conversationID
	s.mu.Unlock()
}

func (s *Store) onTyping(evt bus.Event) {
	tf, ok := evt.Payload.(*wire.TypingFrame)
	if !ok {
		return
	}
	s.SetTyping(tf.ConversationID, tf.SenderID)
}

// SetTyping records a typing indicator that expires after the configured
// TTL. Expiry is announced so the UI can clear the indicator without
// polling.
func (s *Store) SetTyping(conversationID, senderID string) {
	expiry := time.Now().Add(s.cfg.TypingTTL)
	s.mu.Lock()
	m := s.typing[conversationID]
	if m == nil {
		m = make(map[string]time.Time)
		s.typing[conversationID] = m
	}
	m[senderID] = expiry
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: "convo.typing", Timestamp: time.Now(), Payload: conversationID})

	time.AfterFunc(s.cfg.TypingTTL, func() {
		s.mu.Lock()
		exp, ok := s.typing[conversationID][senderID]
		expired := ok && !time.Now().Before(exp)
		if expired {
			delete(s.typing[conversationID], senderID)
		}
		s.mu.Unlock()
		if expired {
			s.bus.Publish(bus.Event{Kind: "convo.typing_expired", Timestamp: time.Now(), Payload: conversationID})
		}
	})
}

// Typing returns the sender ids currently typing in a conversation.
func (s *Store) Typing(conversationID string) []string {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for sender, exp := range s.typing[conversationID] {
		if now.Before(exp) {
			out = append(out, sender)
		}
	}
	return out
}
