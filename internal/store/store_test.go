package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
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

func seedDevice(t *testing.T, db *DB, id string) {
	t.Helper()
	if err := db.UpsertDevice(&Device{ID: id, Transport: "ble", Address: id}); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirtySchema) {
		t.Fatalf("Migrate() error = %v, want ErrDirtySchema", err)
	}
}

func TestDeviceUpsertKeepsKnownFields(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertDevice(&Device{ID: "dev", Transport: "ble", Name: "Ridge", Model: "T-Echo", LastConnectedAt: 200}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertDevice(&Device{ID: "dev", Transport: "ble", LastConnectedAt: 100}); err != nil {
		t.Fatal(err)
	}

	d, err := db.GetDevice("dev")
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "Ridge" || d.Model != "T-Echo" {
		t.Errorf("descriptive fields overwritten: %+v", d)
	}
	if d.LastConnectedAt != 200 {
		t.Errorf("LastConnectedAt = %d, want 200 (never moves backwards)", d.LastConnectedAt)
	}

	missing, err := db.GetDevice("nope")
	if err != nil || missing != nil {
		t.Errorf("GetDevice(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestContactsUpsertAndLookup(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev")

	contacts := []Contact{
		{DeviceID: "dev", PublicKey: "aa01", Prefix: "aa0100000000", Name: "Zed", LastModified: 5},
		{DeviceID: "dev", PublicKey: "bb02", Prefix: "bb0200000000", Name: "amy", LastModified: 6},
	}
	if err := db.BulkUpsertContacts(contacts); err != nil {
		t.Fatal(err)
	}
	// Renaming to empty keeps the stored name.
	if err := db.BulkUpsertContacts([]Contact{{DeviceID: "dev", PublicKey: "aa01", Prefix: "aa0100000000", LastModified: 9}}); err != nil {
		t.Fatal(err)
	}

	list, err := db.ListContacts("dev")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "amy" {
		t.Fatalf("ListContacts = %+v", list)
	}

	c, err := db.ContactByPrefix("dev", "aa0100000000")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "Zed" || c.LastModified != 9 {
		t.Errorf("ContactByPrefix = %+v", c)
	}
	n, _ := db.ContactCount("dev")
	if n != 2 {
		t.Errorf("ContactCount = %d, want 2", n)
	}
}

func TestChannels(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev")

	for _, c := range []Channel{{DeviceID: "dev", Index: 1, Name: "#hike"}, {DeviceID: "dev", Index: 0, Name: "Public"}} {
		c := c
		if err := db.UpsertChannel(&c); err != nil {
			t.Fatal(err)
		}
	}
	list, err := db.ListChannels("dev")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "Public" {
		t.Errorf("ListChannels = %+v", list)
	}
}

func TestMessagesAndHashLookup(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev")

	base := time.Unix(1704067200, 0)
	msgs := []Message{
		{DeviceID: "dev", Conversation: "channel:0", SenderName: "Alice", Body: "first", ContentHash: "abcdef0011", SenderTS: base.Unix()},
		{DeviceID: "dev", Conversation: "channel:0", SenderName: "Alice", Body: "far away", ContentHash: "abcdef0011", SenderTS: base.Add(time.Hour).Unix()},
		{DeviceID: "dev", Conversation: "channel:0", SenderName: "Bob", Body: "other", ContentHash: "abcdef0011", SenderTS: base.Unix()},
	}
	for i := range msgs {
		if err := db.InsertMessage(&msgs[i]); err != nil {
			t.Fatal(err)
		}
		if msgs[i].ID == 0 {
			t.Fatal("InsertMessage did not set ID")
		}
	}

	got, err := db.FindMessageByHash("dev", "channel:0", "Alice", "abcdef00", base.Add(2*time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != msgs[0].ID {
		t.Fatalf("FindMessageByHash = %+v, want message %d", got, msgs[0].ID)
	}

	none, err := db.FindMessageByHash("dev", "channel:0", "Alice", "ffffffff", base, 5*time.Minute)
	if err != nil || none != nil {
		t.Errorf("FindMessageByHash(miss) = %+v, %v", none, err)
	}

	list, err := db.ListMessages("dev", "channel:0", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Body != "far away" {
		t.Errorf("ListMessages = %+v", list)
	}
}

func TestReactionUniqueness(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev")

	m := Message{DeviceID: "dev", Conversation: "channel:0", SenderName: "Alice", Body: "hi"}
	if err := db.InsertMessage(&m); err != nil {
		t.Fatal(err)
	}

	r := Reaction{MessageID: m.ID, Sender: "Bob", Emoji: "👍", RawText: "👍@[Alice]#8f434346"}
	added, err := db.InsertReaction(&r)
	if err != nil || !added {
		t.Fatalf("first InsertReaction = %v, %v", added, err)
	}
	added, err = db.InsertReaction(&Reaction{MessageID: m.ID, Sender: "Bob", Emoji: "👍"})
	if err != nil || added {
		t.Errorf("duplicate InsertReaction = %v, %v; want false, nil", added, err)
	}

	exists, err := db.ReactionExists(m.ID, "Bob", "👍")
	if err != nil || !exists {
		t.Errorf("ReactionExists = %v, %v", exists, err)
	}
	exists, _ = db.ReactionExists(m.ID, "Bob", "❤️")
	if exists {
		t.Error("ReactionExists should be false for another emoji")
	}
	list, _ := db.ListReactions(m.ID)
	if len(list) != 1 {
		t.Errorf("ListReactions len = %d, want 1", len(list))
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev")

	e := OutboxEntry{ClientMsgID: "c1", DeviceID: "dev", Conversation: "channel:0", Body: "hello"}
	if err := db.QueueOutbox(&e, "me", "2cf24dba"); err != nil {
		t.Fatal(err)
	}
	pending, err := db.PendingOutbox("dev")
	if err != nil || len(pending) != 1 {
		t.Fatalf("PendingOutbox = %v, %v", pending, err)
	}

	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.RequeueSending("dev"); n != 1 {
		t.Errorf("RequeueSending = %d, want 1", n)
	}
	if err := db.MarkOutboxSent("c1", 0xBEEF); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox("dev")
	if len(pending) != 0 {
		t.Errorf("PendingOutbox after send = %d, want 0", len(pending))
	}

	ok, err := db.MarkDelivered("dev", 0xBEEF)
	if err != nil || !ok {
		t.Errorf("MarkDelivered = %v, %v", ok, err)
	}
	msgs, _ := db.ListMessages("dev", "channel:0", 0, 10)
	if len(msgs) != 1 || msgs[0].Status != StatusDelivered || msgs[0].Direction != DirectionOut {
		t.Errorf("optimistic message = %+v", msgs)
	}
	m, err := db.MessageByClientID("c1")
	if err != nil || m == nil || m.ContentHash != "2cf24dba" || m.AckCode != 0xBEEF {
		t.Errorf("MessageByClientID = %+v, %v", m, err)
	}
}

func TestStateWatermarkAndIntent(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.ContactsWatermark("dev"); err != nil || ok {
		t.Fatalf("fresh watermark ok=%v err=%v", ok, err)
	}
	if err := db.SetContactsWatermark("dev", 1704067200); err != nil {
		t.Fatal(err)
	}
	wm, ok, err := db.ContactsWatermark("dev")
	if err != nil || !ok || wm != 1704067200 {
		t.Errorf("ContactsWatermark = %d, %v, %v", wm, ok, err)
	}

	if on, _ := db.UserDisconnected(); on {
		t.Error("UserDisconnected should default to false")
	}
	if err := db.SetUserDisconnected(true); err != nil {
		t.Fatal(err)
	}
	if on, _ := db.UserDisconnected(); !on {
		t.Error("UserDisconnected should be true after set")
	}
	if err := db.SetUserDisconnected(false); err != nil {
		t.Fatal(err)
	}
	if on, _ := db.UserDisconnected(); on {
		t.Error("UserDisconnected should be cleared")
	}
}

func TestSearchAndConversations(t *testing.T) {
	db := testDB(t)
	seedDevice(t, db, "dev")
	if err := db.UpsertChannel(&Channel{DeviceID: "dev", Index: 0, Name: "Public"}); err != nil {
		t.Fatal(err)
	}

	for i, body := range []string{"summit at noon", "water refill", "summit photos"} {
		m := Message{DeviceID: "dev", Conversation: "channel:0", SenderName: "Alice", Body: body, SenderTS: int64(1000 + i)}
		if err := db.InsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}
	m := Message{DeviceID: "dev", Conversation: "contact:010203040506", Body: "dm", SenderTS: 900}
	if err := db.InsertMessage(&m); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("summit", "dev", "", 10)
	if err != nil {
		t.Fatalf("SearchMessages error = %v", err)
	}
	if len(results) != 2 || results[0].Message.Body != "summit photos" {
		t.Errorf("SearchMessages = %+v", results)
	}

	convs, err := db.ListConversations("dev", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("ListConversations len = %d, want 2", len(convs))
	}
	if convs[0].Name != "Public" || convs[0].MessageCount != 3 || convs[0].LastMessagePreview != "summit photos" {
		t.Errorf("channel conversation = %+v", convs[0])
	}
	if convs[1].Name != "contact:010203040506" {
		t.Errorf("unknown contact should fall back to id, got %q", convs[1].Name)
	}
}
