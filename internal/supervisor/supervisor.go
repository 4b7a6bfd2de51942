package supervisor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/felipeag/deskchat/internal/bus"
	"github.com/felipeag/deskchat/internal/transport"
	"github.com/felipeag/deskchat/internal/wire"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send while no live connection exists.
var ErrNotConnected = fmt.Errorf("not connected")

// FatalSessionError means the session is beyond automatic recovery:
// reconnect attempts exhausted or credentials rejected. The connection is
// Closed and no further reconnection is attempted.
type FatalSessionError struct {
	Reason   string
	Attempts int
	Err      error
}

func (e *FatalSessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal session error: %s (after %d attempts): %v", e.Reason, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fatal session error: %s (after %d attempts)", e.Reason, e.Attempts)
}

func (e *FatalSessionError) Unwrap() error { return e.Err }

// Authenticator supplies session credentials. Called on every connect
// attempt; the supervisor never caches tokens.
type Authenticator interface {
	Credentials(ctx context.Context) (transport.Credentials, error)
}

// Config controls connection behavior. Zero fields get defaults.
type Config struct {
	URL               string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Supervisor wraps the transport with a reconnect state machine, heartbeat
// liveness checking, and exponential backoff. It is the only writer of the
// connection state; every other component observes it through bus events.
type Supervisor struct {
	cfg    Config
	dialer transport.Dialer
	auth   Authenticator
	bus    *bus.Bus
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	conn           transport.Conn
	epoch          int
	attempts       int
	lastErr        error
	lastSeen       time.Time
	bo             *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	hbStop         chan struct{}
}

// New creates a supervisor in the Disconnected state.
func New(cfg Config, dialer transport.Dialer, auth Authenticator, b *bus.Bus, logger *zap.Logger) *Supervisor {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.MaxInterval = cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	return &Supervisor{
		cfg:    cfg,
		dialer: dialer,
		auth:   auth,
		bus:    b,
		logger: logger,
		state:  Disconnected,
		bo:     bo,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent connection error, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connect starts the connection lifecycle. Non-blocking; progress is
// reported through "conn.state_changed" events.
func (s *Supervisor) Connect() error {
	s.mu.Lock()
	change, ok := s.setStateLocked(Connecting)
	if !ok {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect: invalid in state %s", state)
	}
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.publishChange(change)
	go s.dial(epoch)
	return nil
}

// Close tears the connection down for good. Terminal; no auto-reconnect.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	change, _ := s.setStateLocked(Closed)
	conn := s.detachConnLocked()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.publishChange(change)
}

// Send transmits raw bytes on the live connection. Only valid while
// Connected; the outbound queue is the intended caller.
func (s *Supervisor) Send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}
	return conn.Send(data)
}

// SendFrame encodes and transmits a wire frame.
func (s *Supervisor) SendFrame(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return s.Send(data)
}

func (s *Supervisor) dial(epoch int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	creds, err := s.auth.Credentials(ctx)
	if err != nil {
		s.logger.Error("credential request failed", zap.Error(err))
		s.handleDisconnect(epoch, fmt.Errorf("credentials: %w", err))
		return
	}

	conn, err := s.dialer.Dial(ctx, s.cfg.URL, creds, transport.Handlers{
		OnFrame:  func(data []byte) { s.handleFrame(epoch, data) },
		OnClosed: func(code int, reason string) { s.handleClosed(epoch, code, reason) },
		OnError:  func(err error) { s.handleDisconnect(epoch, err) },
	})
	if err != nil {
		s.logger.Warn("dial failed", zap.Error(err), zap.Int("epoch", epoch))
		s.handleDisconnect(epoch, err)
		return
	}

	s.mu.Lock()
	if epoch != s.epoch || s.state != Connecting {
		// A Close or newer attempt won the race; this socket is orphaned.
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	change, _ := s.setStateLocked(Connected)
	s.conn = conn
	s.attempts = 0
	s.lastErr = nil
	s.lastSeen = time.Now()
	s.bo.Reset()
	s.hbStop = make(chan struct{})
	go s.heartbeatLoop(epoch, s.hbStop)
	s.mu.Unlock()

	s.logger.Info("connected", zap.String("url", s.cfg.URL), zap.Int("epoch", epoch))

	// Synchronous bus delivery: the outbound queue replays pending
	// envelopes during this publish, before any new traffic is admitted.
	s.publishChange(change)

	// Missed presence events cannot be assumed delivered; always start
	// from a fresh snapshot.
	if err := s.SendFrame(&wire.Frame{Type: wire.TypeSnapshotRequest, Timestamp: time.Now().UnixMilli()}); err != nil {
		s.logger.Warn("snapshot request failed", zap.Error(err))
	}
}

func (s *Supervisor) heartbeatLoop(epoch int, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			silent := time.Since(s.lastSeen)
			s.mu.Unlock()
			if silent > s.cfg.HeartbeatTimeout {
				// The transport has not reported closure, but the link
				// is silently dead. Force the reconnect path.
				s.logger.Warn("heartbeat timeout", zap.Duration("silent", silent))
				s.handleDisconnect(epoch, fmt.Errorf("heartbeat timeout after %s", silent))
				return
			}
			if err := s.SendFrame(&wire.Frame{Type: wire.TypeHeartbeat, Timestamp: time.Now().UnixMilli()}); err != nil {
				s.handleDisconnect(epoch, err)
				return
			}
		}
	}
}

func (s *Supervisor) handleClosed(epoch int, code int, reason string) {
	s.handleDisconnect(epoch, fmt.Errorf("connection closed: code=%d reason=%q", code, reason))
}

// handleDisconnect drives the Reconnecting path for every failure shape:
// dial errors, read errors, server closes, and heartbeat timeouts.
func (s *Supervisor) handleDisconnect(epoch int, cause error) {
	s.mu.Lock()
	if epoch != s.epoch || s.state == Closed || s.state == Reconnecting {
		s.mu.Unlock()
		return
	}
	conn := s.detachConnLocked()
	s.lastErr = cause
	s.attempts++
	attempts := s.attempts

	if attempts > s.cfg.MaxAttempts {
		change, _ := s.setStateLocked(Closed)
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		fatal := &FatalSessionError{Reason: "reconnect attempts exhausted", Attempts: attempts, Err: cause}
		s.logger.Error("giving up on connection", zap.Error(fatal))
		s.publishChange(change)
		s.publishFatal(fatal)
		return
	}

	change, _ := s.setStateLocked(Reconnecting)
	delay := s.bo.NextBackOff()
	s.reconnectTimer = time.AfterFunc(delay, s.attemptReconnect)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Warn("connection lost, reconnecting",
		zap.Error(cause),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))
	s.publishChange(change)
}

func (s *Supervisor) attemptReconnect() {
	s.mu.Lock()
	if s.state != Reconnecting {
		s.mu.Unlock()
		return
	}
	change, _ := s.setStateLocked(Connecting)
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.publishChange(change)
	s.dial(epoch)
}

func (s *Supervisor) handleFrame(epoch int, data []byte) {
	s.mu.Lock()
	if epoch != s.epoch || s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.lastSeen = time.Now()
	s.mu.Unlock()

	f, err := wire.Decode(data)
	if err != nil {
		// Protocol errors drop the single frame; the connection stays up.
		s.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	s.dispatch(epoch, f)
}

func (s *Supervisor) dispatch(epoch int, f *wire.Frame) {
	ts := time.UnixMilli(f.Timestamp)
	switch f.Type {
	case wire.TypeMessage:
		s.bus.Publish(bus.Event{Kind: "wire.message", Timestamp: ts, Payload: f.Message})
	case wire.TypeAck:
		s.bus.Publish(bus.Event{Kind: "wire.ack", Timestamp: ts, Payload: f.Ack})
	case wire.TypePresenceSnapshot:
		s.bus.Publish(bus.Event{Kind: "wire.presence_snapshot", Timestamp: ts, Payload: f.Snapshot})
	case wire.TypePresenceDelta:
		s.bus.Publish(bus.Event{Kind: "wire.presence_delta", Timestamp: ts, Payload: f.Delta})
	case wire.TypeTyping:
		s.bus.Publish(bus.Event{Kind: "wire.typing", Timestamp: ts, Payload: f.Typing})
	case wire.TypeHeartbeat, wire.TypeHeartbeatAck:
		// Liveness already recorded in handleFrame.
	case wire.TypeError:
		s.handleErrorFrame(epoch, f.Error, ts)
	}
}

func (s *Supervisor) handleErrorFrame(epoch int, ef *wire.ErrorFrame, ts time.Time) {
	if ef.Code != wire.CodeAuthRejected {
		s.logger.Warn("server error frame", zap.String("code", ef.Code), zap.String("reason", ef.Reason))
		s.bus.Publish(bus.Event{Kind: "wire.error", Timestamp: ts, Payload: ef})
		return
	}

	// Rejected credentials are fatal: retrying with the same identity
	// would loop forever.
	s.mu.Lock()
	if epoch != s.epoch || s.state == Closed {
		s.mu.Unlock()
		return
	}
	attempts := s.attempts
	change, _ := s.setStateLocked(Closed)
	conn := s.detachConnLocked()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	fatal := &FatalSessionError{Reason: "credentials rejected", Attempts: attempts, Err: fmt.Errorf("%s: %s", ef.Code, ef.Reason)}
	s.logger.Error("session terminated by server", zap.Error(fatal))
	s.publishChange(change)
	s.publishFatal(fatal)
}

// setStateLocked validates and applies a transition. Callers hold s.mu and
// publish the returned change after unlocking.
func (s *Supervisor) setStateLocked(to State) (StateChange, bool) {
	if !slices.Contains(validTransitions[s.state], to) {
		return StateChange{}, false
	}
	change := StateChange{From: s.state, To: to}
	s.state = to
	return change, true
}

// detachConnLocked stops the heartbeat and returns the current connection
// for the caller to close outside the lock.
func (s *Supervisor) detachConnLocked() transport.Conn {
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	s.conn = nil
	return conn
}

func (s *Supervisor) publishChange(change StateChange) {
	if change.To == "" {
		return
	}
	s.bus.Publish(bus.Event{Kind: "conn.state_changed", Timestamp: time.Now(), Payload: change})
}

func (s *Supervisor) publishFatal(fatal *FatalSessionError) {
	s.bus.Publish(bus.Event{Kind: "conn.fatal", Timestamp: time.Now(), Payload: fatal})
}
