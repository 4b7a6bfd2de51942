package session

import (
	"context"
	"fmt"
	"time"

	"github.com/felipeag/deskchat/internal/bus"
	"github.com/felipeag/deskchat/internal/convo"
	"github.com/felipeag/deskchat/internal/outbound"
	"github.com/felipeag/deskchat/internal/presence"
	"github.com/felipeag/deskchat/internal/supervisor"
	"github.com/felipeag/deskchat/internal/transport"
	"github.com/felipeag/deskchat/internal/wire"
	"go.uber.org/zap"
)

// Options groups the tuning knobs for a session's components.
type Options struct {
	Server supervisor.Config
	Queue  outbound.Config
	Convo  convo.Config
}

// Session is one logical connection to the chat backend, explicitly
// constructed on login and torn down on logout. It owns the wiring between
// the supervisor, outbound queue, presence reconciler, and conversation
// store; the UI layer talks only to this façade and the event bus.
type Session struct {
	bus    *bus.Bus
	sup    *supervisor.Supervisor
	queue  *outbound.Queue
	roster *presence.Reconciler
	convos *convo.Store
	auth   supervisor.Authenticator
	logger *zap.Logger
	unsubs []func()
}

// New wires a session from its collaborators. Nothing connects until Start.
func New(opts Options, dialer transport.Dialer, auth supervisor.Authenticator, b *bus.Bus, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		bus:    b,
		auth:   auth,
		logger: logger,
	}
	s.sup = supervisor.New(opts.Server, dialer, auth, b, logger)
	s.queue = outbound.NewQueue(opts.Queue, s.sup, b, logger)
	s.roster = presence.NewReconciler(b, logger)
	s.convos = convo.NewStore(opts.Convo, b, logger)
	return s
}

// Start resolves the local identity, starts every component, and begins
// connecting. Progress surfaces as "conn.state_changed" events.
func (s *Session) Start(ctx context.Context) error {
	creds, err := s.auth.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	s.convos.SetLocalUser(creds.UserID)

	s.queue.Start()
	s.roster.Start()
	s.convos.Start()

	// Inbound messages count as counterparty activity for roster ordering.
	s.unsubs = append(s.unsubs, s.bus.Subscribe("wire.message", func(evt bus.Event) {
		mf, ok := evt.Payload.(*wire.MessageFrame)
		if !ok || mf.SenderID == creds.UserID {
			return
		}
		s.roster.Touch(mf.ConversationID, evt.Timestamp)
	}))

	s.logger.Info("session starting", zap.String("user", creds.UserID), zap.String("role", creds.Role))
	return s.sup.Connect()
}

// Close tears the session down. Terminal: a logged-out session is rebuilt
// from scratch, never restarted.
func (s *Session) Close() {
	s.sup.Close()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.queue.Stop()
	s.roster.Stop()
	s.convos.Stop()
	s.logger.Info("session closed")
}

// Enqueue submits a message for delivery and returns its client id
// immediately. Delivery progress arrives as message.* events.
func (s *Session) Enqueue(conversationID, body string, attachment *wire.AttachmentRef) string {
	return s.queue.Enqueue(outbound.Payload{
		ConversationID: conversationID,
		Body:           body,
		Attachment:     attachment,
	})
}

// MarkRead zeroes a conversation's unread counter.
func (s *Session) MarkRead(conversationID string) {
	s.convos.MarkRead(conversationID)
}

// Focus marks the conversation the user is viewing.
func (s *Session) Focus(conversationID string) {
	s.convos.Focus(conversationID)
}

// Roster returns the current counterparty roster, online first, most
// recently active first.
func (s *Session) Roster() []presence.Counterparty {
	return s.roster.Roster()
}

// Messages returns a conversation's ordered message sequence.
func (s *Session) Messages(conversationID string) []convo.Message {
	return s.convos.Messages(conversationID)
}

// Unread returns a conversation's unread counter.
func (s *Session) Unread(conversationID string) int {
	return s.convos.Unread(conversationID)
}

// Typing returns who is typing in a conversation right now.
func (s *Session) Typing(conversationID string) []string {
	return s.convos.Typing(conversationID)
}

// State returns the connection state.
func (s *Session) State() supervisor.State {
	return s.sup.State()
}

// On subscribes a handler to bus events matching the namespace prefix.
// The returned function unsubscribes; UI components must call it on
// teardown.
func (s *Session) On(namespace string, fn bus.Handler) func() {
	return s.bus.Subscribe(namespace, fn)
}

// SendTyping notifies the backend that the local user is composing.
// Best effort; dropped silently while disconnected.
func (s *Session) SendTyping(conversationID string) {
	_ = s.sup.SendFrame(&wire.Frame{
		Type:      wire.TypeTyping,
		Timestamp: time.Now().UnixMilli(),
		Typing:    &wire.TypingFrame{ConversationID: conversationID},
	})
}
