package outbound

import (
	"fmt"
	"sync"
	"time"

	"github.com/felipeag/deskchat/internal/bus"
	"github.com/felipeag/deskchat/internal/supervisor"
	"github.com/felipeag/deskchat/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the delivery status of an envelope.
type Status string

const (
	Pending      Status = "pending"
	Sent         Status = "sent"
	Acknowledged Status = "acknowledged"
	Failed       Status = "failed"
)

// Payload is one user-intent message. Attachments arrive pre-uploaded; only
// the descriptor travels through the queue.
type Payload struct {
	ConversationID string
	Body           string
	Attachment     *wire.AttachmentRef
}

// Envelope is one message awaiting confirmed delivery. The ClientID is
// stable across retries and is what the server echoes in acks.
type Envelope struct {
	ClientID  string
	Payload   Payload
	CreatedAt time.Time
	Status    Status
	Attempts  int
	MessageID string // server-assigned id, set on ack
}

// DeliveryError reports a message that exceeded its retry cap. Emitted
// exactly once per failed message; the user may manually resubmit.
type DeliveryError struct {
	ClientID string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for %s after %d attempts: %v", e.ClientID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// FrameSender transmits wire frames. The supervisor is the production
// implementation; it returns supervisor.ErrNotConnected while offline.
type FrameSender interface {
	SendFrame(f *wire.Frame) error
}

// Config controls retry and history bounds. Zero fields get defaults.
type Config struct {
	RetryCap   int // send attempts per message before Failed
	AckHistory int // acknowledged client ids retained for duplicate acks
}

func (c *Config) setDefaults() {
	if c.RetryCap <= 0 {
		c.RetryCap = 5
	}
	if c.AckHistory <= 0 {
		c.AckHistory = 256
	}
}

// Queue buffers outbound messages and guarantees they reach the wire in
// enqueue order per connection epoch. Messages survive transient
// disconnects: still-unacknowledged envelopes are replayed FIFO on
// reconnect before any new traffic.
type Queue struct {
	cfg    Config
	sender FrameSender
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	sendMu  sync.Mutex
	active  []*Envelope
	acked   map[string]struct{}
	ackIDs  []string // insertion order, for bounded eviction
	unsubs  []func()
	started bool
}

// NewQueue creates an outbound queue.
func NewQueue(cfg Config, sender FrameSender, b *bus.Bus, logger *zap.Logger) *Queue {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:    cfg,
		sender: sender,
		bus:    b,
		logger: logger,
		acked:  make(map[string]struct{}),
	}
}

// Start subscribes the queue to connection and ack events.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.unsubs = append(q.unsubs,
		q.bus.Subscribe("conn.state_changed", q.onStateChange),
		q.bus.Subscribe("wire.ack", q.onAck),
	)
}

// Stop removes the queue's subscriptions.
func (q *Queue) Stop() {
	for _, unsub := range q.unsubs {
		unsub()
	}
	q.unsubs = nil
}

// Enqueue accepts a message and returns its client id immediately. If a
// connection is live the message is sent right away; otherwise it waits in
// FIFO order for the next replay.
func (q *Queue) Enqueue(p Payload) string {
	env := &Envelope{
		ClientID:  uuid.NewString(),
		Payload:   p,
		CreatedAt: time.Now(),
		Status:    Pending,
	}

	q.mu.Lock()
	q.active = append(q.active, env)
	// Copy under the lock: a replay on another goroutine may already be
	// mutating env by the time the publish runs.
	snapshot := *env
	q.mu.Unlock()

	q.bus.Publish(bus.Event{
		Kind:      "message.enqueued",
		Timestamp: time.Now(),
		Payload:   snapshot,
	})

	q.drain()
	return env.ClientID
}

// Pending returns copies of the envelopes still owned by the queue,
// in enqueue order.
func (q *Queue) Pending() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Envelope, 0, len(q.active))
	for _, env := range q.active {
		out = append(out, *env)
	}
	return out
}

func (q *Queue) onStateChange(evt bus.Event) {
	change, ok := evt.Payload.(supervisor.StateChange)
	if !ok {
		return
	}
	switch change.To {
	case supervisor.Connected:
		// Replay before the supervisor's publish returns, so pending
		// envelopes hit the wire ahead of any new traffic.
		q.replay()
	case supervisor.Reconnecting:
		// Sent-but-unacknowledged envelopes may or may not have reached
		// the server; demote them so the replay resends. The receiver
		// dedups by client id, so the worst case is an idempotent
		// duplicate.
		q.mu.Lock()
		for _, env := range q.active {
			if env.Status == Sent {
				env.Status = Pending
			}
		}
		q.mu.Unlock()
	}
}

func (q *Queue) replay() {
	q.mu.Lock()
	n := len(q.active)
	q.mu.Unlock()
	if n > 0 {
		q.logger.Info("replaying outbound queue", zap.Int("pending", n))
	}
	q.drain()
}

// drain walks the active list in order, sending every Pending envelope.
// Stops at the first signal that the connection is unusable so order is
// preserved for the next replay.
func (q *Queue) drain() {
	// One drainer at a time; a concurrent Enqueue and replay must not
	// interleave their sends.
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	for {
		q.mu.Lock()
		var env *Envelope
		for _, e := range q.active {
			if e.Status == Pending {
				env = e
				break
			}
		}
		if env == nil {
			q.mu.Unlock()
			return
		}

		if env.Attempts >= q.cfg.RetryCap {
			q.failLocked(env)
			q.mu.Unlock()
			q.publishFailure(env)
			continue
		}

		env.Attempts++
		frame := &wire.Frame{
			Type:      wire.TypeMessage,
			Timestamp: time.Now().UnixMilli(),
			Message: &wire.MessageFrame{
				ClientID:       env.ClientID,
				ConversationID: env.Payload.ConversationID,
				Body:           env.Payload.Body,
				Attachment:     env.Payload.Attachment,
				Timestamp:      env.CreatedAt.UnixMilli(),
			},
		}
		q.mu.Unlock()

		err := q.sender.SendFrame(frame)

		q.mu.Lock()
		switch {
		case err == nil:
			env.Status = Sent
			q.mu.Unlock()
		case err == supervisor.ErrNotConnected:
			// Not a real attempt; the envelope waits for the replay.
			env.Attempts--
			q.mu.Unlock()
			return
		default:
			// Transport-level failure. The attempt counts; the supervisor
			// will notice the dead link and trigger a replay.
			q.mu.Unlock()
			q.logger.Warn("send failed", zap.Error(err), zap.String("client_id", env.ClientID))
			return
		}
	}
}

// failLocked marks an envelope Failed and removes it from the active list.
func (q *Queue) failLocked(env *Envelope) {
	env.Status = Failed
	q.removeLocked(env.ClientID)
}

func (q *Queue) publishFailure(env *Envelope) {
	derr := &DeliveryError{
		ClientID: env.ClientID,
		Attempts: env.Attempts,
		Err:      fmt.Errorf("retry cap %d exceeded", q.cfg.RetryCap),
	}
	q.logger.Error("message delivery failed", zap.Error(derr))
	q.bus.Publish(bus.Event{Kind: "message.failed", Timestamp: time.Now(), Payload: derr})
	q.bus.Publish(bus.Event{Kind: "message.terminal", Timestamp: time.Now(), Payload: *env})
}

func (q *Queue) onAck(evt bus.Event) {
	ack, ok := evt.Payload.(*wire.AckFrame)
	if !ok {
		return
	}

	q.mu.Lock()
	if _, dup := q.acked[ack.ClientID]; dup {
		// Duplicate ack from an at-least-once backend; already terminal.
		q.mu.Unlock()
		return
	}
	var env *Envelope
	for _, e := range q.active {
		if e.ClientID == ack.ClientID {
			env = e
			break
		}
	}
	if env == nil {
		// Ack for a message we never owned (or one long evicted).
		q.mu.Unlock()
		return
	}
	env.Status = Acknowledged
	env.MessageID = ack.MessageID
	q.removeLocked(env.ClientID)
	q.rememberAckLocked(env.ClientID)
	terminal := *env
	q.mu.Unlock()

	q.bus.Publish(bus.Event{Kind: "message.acknowledged", Timestamp: time.Now(), Payload: terminal})
	q.bus.Publish(bus.Event{Kind: "message.terminal", Timestamp: time.Now(), Payload: terminal})
}

func (q *Queue) removeLocked(clientID string) {
	for i, e := range q.active {
		if e.ClientID == clientID {
			q.active = append(q.active[:i], q.active[i+1:]...)
			return
		}
	}
}

func (q *Queue) rememberAckLocked(clientID string) {
	q.acked[clientID] = struct{}{}
	q.ackIDs = append(q.ackIDs, clientID)
	if len(q.ackIDs) > q.cfg.AckHistory {
		evict := q.ackIDs[0]
		q.ackIDs = q.ackIDs[1:]
		delete(q.acked, evict)
	}
}
