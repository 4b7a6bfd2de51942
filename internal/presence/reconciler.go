package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/felipeag/deskchat/internal/bus"
	"github.com/felipeag/deskchat/internal/wire"
	"go.uber.org/zap"
)

// Counterparty is a customer or agent known to the session. At most one
// record exists per id; the reconciler is the only writer.
type Counterparty struct {
	ID           string
	DisplayName  string
	Presence     wire.Presence
	LastActivity time.Time

	// updatedAt is the server timestamp of the last event applied to this
	// record, used to guard against stale snapshots regressing newer deltas.
	updatedAt time.Time
}

// Reconciler merges server roster snapshots and incremental deltas into one
// consistent, deduplicated view. Counterparties are never deleted, only
// marked Offline: one with conversation history must stay addressable.
//
// No role filtering happens here: the roster holds customers and agents
// uniformly, and the UI layer applies role projections on top.
type Reconciler struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	held   map[string]*Counterparty
	unsubs []func()
}

// NewReconciler creates an empty reconciler.
func NewReconciler(b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		bus:    b,
		logger: logger,
		held:   make(map[string]*Counterparty),
	}
}

// Start subscribes to presence events from the wire. Snapshot and delta
// application is serialized by the bus's synchronous delivery; no extra
// locking is needed for ordering.
func (r *Reconciler) Start() {
	r.unsubs = append(r.unsubs,
		r.bus.Subscribe("wire.presence_snapshot", func(evt bus.Event) {
			snap, ok := evt.Payload.(*wire.SnapshotFrame)
			if !ok {
				return
			}
			r.ApplySnapshot(snap.Entries, evt.Timestamp)
		}),
		r.bus.Subscribe("wire.presence_delta", func(evt bus.Event) {
			delta, ok := evt.Payload.(*wire.DeltaFrame)
			if !ok {
				return
			}
			r.ApplyDelta(delta, evt.Timestamp)
		}),
	)
}

// Stop removes the reconciler's subscriptions.
func (r *Reconciler) Stop() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// ApplySnapshot merges a full roster snapshot taken at ts. Held
// counterparties absent from the snapshot go Offline; every entry present is
// upserted. Records already touched by a newer delta are left alone, so an
// out-of-order snapshot cannot regress state.
func (r *Reconciler) ApplySnapshot(entries []wire.RosterEntry, ts time.Time) {
	r.mu.Lock()

	inSnapshot := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		inSnapshot[e.ID] = struct{}{}
	}
	for id, cp := range r.held {
		if _, ok := inSnapshot[id]; ok {
			continue
		}
		if cp.updatedAt.After(ts) {
			continue
		}
		cp.Presence = wire.Offline
		cp.updatedAt = ts
	}

	for _, e := range entries {
		cp, ok := r.held[e.ID]
		if !ok {
			cp = &Counterparty{ID: e.ID}
			r.held[e.ID] = cp
		} else if cp.updatedAt.After(ts) {
			// A newer delta already touched this record; the snapshot is
			// stale for it.
			continue
		}
		if e.DisplayName != "" {
			cp.DisplayName = e.DisplayName
		}
		cp.Presence = e.Presence
		if e.LastActivity > 0 {
			cp.LastActivity = time.UnixMilli(e.LastActivity)
		}
		cp.updatedAt = ts
	}
	count := len(r.held)
	r.mu.Unlock()

	r.logger.Debug("snapshot applied", zap.Int("entries", len(entries)), zap.Int("roster", count))
	r.publishUpdate()
}

// ApplyDelta applies a single join/leave/status change received at ts.
// Unknown ids are created on the spot.
func (r *Reconciler) ApplyDelta(d *wire.DeltaFrame, ts time.Time) {
	r.mu.Lock()
	cp, ok := r.held[d.ID]
	if !ok {
		cp = &Counterparty{ID: d.ID}
		r.held[d.ID] = cp
	}
	if d.DisplayName != "" {
		cp.DisplayName = d.DisplayName
	}
	switch d.Kind {
	case wire.DeltaJoin:
		cp.Presence = wire.Online
		if d.Presence != "" {
			cp.Presence = d.Presence
		}
	case wire.DeltaLeave:
		cp.Presence = wire.Offline
	case wire.DeltaStatus:
		if d.Presence != "" {
			cp.Presence = d.Presence
		}
	}
	// A delta carrying an older server timestamp still applies its presence
	// change (deltas are processed in receipt order) but must not move the
	// entry backwards in the activity ordering.
	if ts.After(cp.LastActivity) {
		cp.LastActivity = ts
	}
	if ts.After(cp.updatedAt) {
		cp.updatedAt = ts
	}
	r.mu.Unlock()

	r.publishUpdate()
}

// Touch records activity for a counterparty, bumping its roster position.
// Called by the session when a message arrives from that counterparty.
func (r *Reconciler) Touch(id string, at time.Time) {
	r.mu.Lock()
	cp, ok := r.held[id]
	if ok && at.After(cp.LastActivity) {
		cp.LastActivity = at
	}
	r.mu.Unlock()
	if ok {
		r.publishUpdate()
	}
}

// Get returns a copy of one counterparty record.
func (r *Reconciler) Get(id string) (Counterparty, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.held[id]
	if !ok {
		return Counterparty{}, false
	}
	return *cp, true
}

// Roster returns the externally visible roster: online entries first, then
// most recently active first. This ordering is a pure projection recomputed
// on every call, never stored.
func (r *Reconciler) Roster() []Counterparty {
	r.mu.Lock()
	out := make([]Counterparty, 0, len(r.held))
	for _, cp := range r.held {
		out = append(out, *cp)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].Presence != wire.Offline, out[j].Presence != wire.Offline
		if oi != oj {
			return oi
		}
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Reconciler) publishUpdate() {
	r.bus.Publish(bus.Event{Kind: "presence.updated", Timestamp: time.Now(), Payload: r.Roster()})
}
