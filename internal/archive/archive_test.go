package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/felipeag/deskchat/internal/bus"
	"github.com/felipeag/deskchat/internal/outbound"
	"github.com/felipeag/deskchat/internal/presence"
	"github.com/felipeag/deskchat/internal/wire"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testArchive(t *testing.T) (*Archive, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	a := New(testDB(t), b, nil)
	a.SetLocalUser("me")
	a.Start()
	t.Cleanup(a.Stop)
	return a, b
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestInboundMessagePersisted(t *testing.T) {
	a, b := testArchive(t)

	b.Publish(bus.Event{
		Kind:      "wire.message",
		Timestamp: time.Now(),
		Payload: &wire.MessageFrame{
			MessageID:      "m1",
			ConversationID: "cust-1",
			SenderID:       "cust-1",
			Body:           "hello",
			Timestamp:      1000,
		},
	})

	msgs, err := a.ListMessages("cust-1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].FromMe || msgs[0].Status != "received" || msgs[0].Body != "hello" {
		t.Errorf("archived message = %+v", msgs[0])
	}
}

func TestTerminalEnvelopePersisted(t *testing.T) {
	a, b := testArchive(t)

	b.Publish(bus.Event{
		Kind:      "message.terminal",
		Timestamp: time.Now(),
		Payload: outbound.Envelope{
			ClientID:  "c1",
			MessageID: "srv-1",
			Status:    outbound.Acknowledged,
			CreatedAt: time.UnixMilli(2000),
			Payload:   outbound.Payload{ConversationID: "cust-1", Body: "on it"},
		},
	})

	msgs, err := a.ListMessages("cust-1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if !m.FromMe || m.MessageID != "srv-1" || m.ClientID != "c1" || m.Status != string(outbound.Acknowledged) {
		t.Errorf("archived message = %+v", m)
	}
}

func TestUpsertIsIdempotentOnMessageID(t *testing.T) {
	a, _ := testArchive(t)

	rec := &Message{ConversationID: "cust-1", MessageID: "m1", Body: "v1", Status: "received", Timestamp: 1000}
	if err := a.UpsertMessage(rec); err != nil {
		t.Fatal(err)
	}
	rec.Body = "v2"
	rec.Status = "acknowledged"
	if err := a.UpsertMessage(rec); err != nil {
		t.Fatal(err)
	}

	msgs, err := a.ListMessages("cust-1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Body != "v2" || msgs[0].Status != "acknowledged" {
		t.Errorf("upsert did not update: %+v", msgs[0])
	}
}

func TestListMessagesPaginates(t *testing.T) {
	a, _ := testArchive(t)

	for i := int64(1); i <= 5; i++ {
		err := a.UpsertMessage(&Message{
			ConversationID: "cust-1",
			MessageID:      string(rune('a' + i)),
			Timestamp:      i * 1000,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	page, err := a.ListMessages("cust-1", 4000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("got %d messages, want 2", len(page))
	}
	if page[0].Timestamp != 3000 || page[1].Timestamp != 2000 {
		t.Errorf("page = [%d, %d], want [3000, 2000]", page[0].Timestamp, page[1].Timestamp)
	}
}

func TestPresenceUpdatePersistsRoster(t *testing.T) {
	a, b := testArchive(t)
	now := time.UnixMilli(5000)

	b.Publish(bus.Event{
		Kind:      "presence.updated",
		Timestamp: now,
		Payload: []presence.Counterparty{
			{ID: "cust-1", DisplayName: "Dana", Presence: wire.Online, LastActivity: now},
			{ID: "cust-2", DisplayName: "Eli", Presence: wire.Offline, LastActivity: time.UnixMilli(1000)},
		},
	})

	roster, err := a.ListCounterparties()
	if err != nil {
		t.Fatal(err)
	}
	if len(roster) != 2 {
		t.Fatalf("got %d counterparties, want 2", len(roster))
	}
	if roster[0].ID != "cust-1" || roster[0].Presence != string(wire.Online) {
		t.Errorf("roster head = %+v", roster[0])
	}
}
