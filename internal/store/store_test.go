package store

import (
	"errors"
	"path/filepath"
	"testing"
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
	if result.Version != 1 || result.From != 1 {
		t.Errorf("result = %+v, want 1 -> 1", result)
	}
}

func TestMigrateFreshDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 0 || result.Version != 1 || !result.Changed {
		t.Errorf("result = %+v, want 0 -> 1 changed", result)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}

	_, err := db.Migrate()
	var dirty *DirtySchemaError
	if !errors.As(err, &dirty) || dirty.Version != 1 {
		t.Errorf("err = %v, want DirtySchemaError at version 1", err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.GetValue("missing"); err != nil || ok {
		t.Fatalf("GetValue(missing) ok=%v err=%v", ok, err)
	}

	if err := db.PutValue("session", `{"sessionId":"s1"}`); err != nil {
		t.Fatal(err)
	}
	if err := db.PutValue("session", `{"sessionId":"s2"}`); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.GetValue("session")
	if err != nil || !ok {
		t.Fatalf("GetValue ok=%v err=%v", ok, err)
	}
	if v != `{"sessionId":"s2"}` {
		t.Errorf("value = %q, want overwritten value", v)
	}

	if err := db.DeleteValue("session"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.GetValue("session"); ok {
		t.Error("value should be gone after DeleteValue")
	}
	if err := db.DeleteValue("session"); err != nil {
		t.Errorf("deleting a missing key: %v", err)
	}
}

func TestInsertSessionRejectsDuplicateCode(t *testing.T) {
	db := testDB(t)

	if err := db.InsertSession(&SessionRecord{ID: "s1", Code: "1234", CreatedAt: 1000, ExpiresAt: 2000}); err != nil {
		t.Fatal(err)
	}
	err := db.InsertSession(&SessionRecord{ID: "s2", Code: "1234", CreatedAt: 1000, ExpiresAt: 2000})
	if !errors.Is(err, ErrCodeTaken) {
		t.Fatalf("err = %v, want ErrCodeTaken", err)
	}

	s, err := db.GetSessionByCode("1234")
	if err != nil {
		t.Fatal(err)
	}
	if s == nil || s.ID != "s1" {
		t.Fatalf("GetSessionByCode = %+v, want s1", s)
	}

	s, err = db.GetSession("nope")
	if err != nil || s != nil {
		t.Errorf("GetSession(nope) = %+v, %v; want nil, nil", s, err)
	}
}

func TestParticipantsAreIdempotentAndOrdered(t *testing.T) {
	db := testDB(t)
	if err := db.InsertSession(&SessionRecord{ID: "s1", Code: "0001", CreatedAt: 1, ExpiresAt: 100}); err != nil {
		t.Fatal(err)
	}

	for _, p := range []Participant{
		{SessionID: "s1", UserID: "guest", JoinedAt: 20},
		{SessionID: "s1", UserID: "host", JoinedAt: 10},
		{SessionID: "s1", UserID: "guest", JoinedAt: 30},
	} {
		if err := db.AddParticipant(&p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListParticipants("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("participants = %d, want 2", len(got))
	}
	if got[0].UserID != "host" || got[1].UserID != "guest" {
		t.Errorf("order = [%s %s], want [host guest]", got[0].UserID, got[1].UserID)
	}
	if got[1].JoinedAt != 20 {
		t.Errorf("guest joined_at = %d, want first join (20)", got[1].JoinedAt)
	}
}

func TestUpsertMessageKeepsTranslation(t *testing.T) {
	db := testDB(t)
	if err := db.InsertSession(&SessionRecord{ID: "s1", Code: "0001", CreatedAt: 1, ExpiresAt: 100}); err != nil {
		t.Fatal(err)
	}

	full := &Message{SessionID: "s1", ID: "m1", SenderID: "u1", OriginalText: "hola", TranslatedText: "hello", OriginalLanguage: "es", Timestamp: 50}
	if err := db.UpsertMessage(full); err != nil {
		t.Fatal(err)
	}
	partial := &Message{SessionID: "s1", ID: "m1", SenderID: "u1", OriginalText: "hola", Timestamp: 50}
	if err := db.UpsertMessage(partial); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{SessionID: "s1", ID: "m0", SenderID: "u2", OriginalText: "first", Timestamp: 10}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].ID != "m0" {
		t.Errorf("first message = %s, want m0 (oldest)", msgs[0].ID)
	}
	if msgs[1].TranslatedText != "hello" {
		t.Errorf("translated_text = %q, want preserved %q", msgs[1].TranslatedText, "hello")
	}

	count, _ := db.MessageCount("s1")
	if count != 2 {
		t.Errorf("MessageCount = %d, want 2", count)
	}
}

func TestDeleteExpiredSessionsCascades(t *testing.T) {
	db := testDB(t)
	_ = db.InsertSession(&SessionRecord{ID: "old", Code: "1111", CreatedAt: 1, ExpiresAt: 100})
	_ = db.InsertSession(&SessionRecord{ID: "new", Code: "2222", CreatedAt: 1, ExpiresAt: 1000})
	_ = db.AddParticipant(&Participant{SessionID: "old", UserID: "u1", JoinedAt: 1})
	_ = db.UpsertMessage(&Message{SessionID: "old", ID: "m1", SenderID: "u1", Timestamp: 2})

	n, err := db.DeleteExpiredSessions(500)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	if s, _ := db.GetSessionByCode("1111"); s != nil {
		t.Error("expired session should be gone")
	}
	if s, _ := db.GetSessionByCode("2222"); s == nil {
		t.Error("live session should remain")
	}
	if p, _ := db.ListParticipants("old"); len(p) != 0 {
		t.Errorf("participants of deleted session = %d, want 0", len(p))
	}
	if c, _ := db.MessageCount("old"); c != 0 {
		t.Errorf("messages of deleted session = %d, want 0", c)
	}
}
