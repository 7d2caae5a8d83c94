package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:domain_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Single connection so the PRAGMA applies to every statement.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	// Enforce FKs so cascades actually execute.
	db.Exec("PRAGMA foreign_keys=ON;")
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(RealUser{}).TableName():         "real_users",
		(Operator{}).TableName():         "operators",
		(Persona{}).TableName():          "personas",
		(Chat{}).TableName():             "chats",
		(Message{}).TableName():          "messages",
		(MessageEdit{}).TableName():      "message_edits",
		(OperatorActivity{}).TableName(): "operator_activities",
		(Idempotency{}).TableName():      "idempotency",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestGenderValid(t *testing.T) {
	if !GenderMale.Valid() || !GenderFemale.Valid() {
		t.Fatalf("expected male/female to be valid")
	}
	if Gender("other").Valid() || Gender("").Valid() {
		t.Fatalf("expected unknown genders to be invalid")
	}
}

func TestChatHeldBy(t *testing.T) {
	c := &Chat{}
	if c.HeldBy("op1") {
		t.Fatalf("unassigned chat must not be held")
	}
	op := "op1"
	c.AssignedOperatorID = &op
	if !c.HeldBy("op1") || c.HeldBy("op2") {
		t.Fatalf("HeldBy mismatch for %v", *c.AssignedOperatorID)
	}
}

func TestStringList_ValueScan(t *testing.T) {
	v, err := StringList{"a.jpg", "b.jpg"}.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if v.(string) != `["a.jpg","b.jpg"]` {
		t.Fatalf("unexpected encoding %v", v)
	}
	if v, _ := StringList(nil).Value(); v.(string) != "[]" {
		t.Fatalf("nil list should encode as [], got %v", v)
	}

	var l StringList
	if err := l.Scan([]byte(`["x"]`)); err != nil || len(l) != 1 || l[0] != "x" {
		t.Fatalf("scan bytes: %v %v", l, err)
	}
	if err := l.Scan(nil); err != nil || l != nil {
		t.Fatalf("scan nil: %v %v", l, err)
	}
	if err := l.Scan(42); err == nil {
		t.Fatalf("expected error for unsupported source")
	}
}

func TestMigrations_Indexes_Constraints_AndCascades(t *testing.T) {
	db := newDomainDB(t)

	if err := db.AutoMigrate(&RealUser{}, &Operator{}, &Persona{}, &Chat{}, &Message{},
		&MessageEdit{}, &OperatorActivity{}, &Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	if !m.HasIndex(&Chat{}, "idx_chat_user_persona") {
		t.Fatalf("expected index idx_chat_user_persona on chats")
	}
	if !m.HasIndex(&Message{}, "idx_chat_msgs") || !m.HasIndex(&Message{}, "ux_chat_seq") {
		t.Fatalf("expected message ordering indexes")
	}
	if !m.HasIndex(&Idempotency{}, "ux_idem_user_key") {
		t.Fatalf("expected unique index ux_idem_user_key")
	}

	// credits >= 0 is enforced by the store.
	if err := db.Create(&RealUser{ID: "u-neg", Credits: -1}).Error; err == nil {
		t.Fatalf("expected CHECK violation for negative credits")
	}

	now := time.Now().UTC()
	p := &Persona{ID: uuid.NewString(), DisplayName: "Mia", Gender: GenderFemale, Age: 29,
		Location: "Berlin", Gallery: StringList{"mia/1.jpg"}}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("insert persona: %v", err)
	}
	var gotP Persona
	if err := db.First(&gotP, "id = ?", p.ID).Error; err != nil {
		t.Fatalf("read persona: %v", err)
	}
	if len(gotP.Gallery) != 1 || gotP.Gallery[0] != "mia/1.jpg" {
		t.Fatalf("gallery round trip failed: %+v", gotP.Gallery)
	}

	ch := &Chat{ID: uuid.NewString(), RealUserID: "u1", PersonaID: p.ID, State: ChatUnassigned, IsActive: true}
	if err := db.Create(ch).Error; err != nil {
		t.Fatalf("insert chat: %v", err)
	}
	m1 := &Message{ID: uuid.NewString(), ChatID: ch.ID, Seq: 1, AuthorID: "u1", AuthorRole: AuthorRealUser, Content: "hi", CreatedAt: now}
	if err := db.Create(m1).Error; err != nil {
		t.Fatalf("insert message: %v", err)
	}
	dup := &Message{ID: uuid.NewString(), ChatID: ch.ID, Seq: 1, AuthorID: "u1", AuthorRole: AuthorRealUser, Content: "again", CreatedAt: now}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected unique violation on (chat_id, seq)")
	}
	bad := &Message{ID: uuid.NewString(), ChatID: ch.ID, Seq: 2, AuthorID: "x", AuthorRole: "robot", Content: "?", CreatedAt: now}
	if err := db.Create(bad).Error; err == nil {
		t.Fatalf("expected CHECK violation on author_role")
	}

	// One activity row per pairing.
	a := &OperatorActivity{ChatID: ch.ID, OperatorID: "op1", LastActivity: now}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("insert activity: %v", err)
	}
	if err := db.Create(&OperatorActivity{ChatID: ch.ID, OperatorID: "op1", LastActivity: now}).Error; err == nil {
		t.Fatalf("expected primary key violation on (chat_id, operator_id)")
	}

	// CASCADE: deleting the chat deletes its messages.
	if err := db.Delete(&Chat{}, "id = ?", ch.ID).Error; err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	var cnt int64
	if err := db.Model(&Message{}).Where("chat_id = ?", ch.ID).Count(&cnt).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if cnt != 0 {
		t.Fatalf("expected messages to cascade-delete, got %d", cnt)
	}
}
