package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/events"
	"github.com/tbourn/persona-chat-backend/internal/repo"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

var (
	admin = domain.Identity{ID: "admin1", Role: domain.RoleAdmin}
	user1 = domain.Identity{ID: "u1", Role: domain.RoleRealUser}
	user2 = domain.Identity{ID: "u2", Role: domain.RoleRealUser}
	op1   = domain.Identity{ID: "op1", Role: domain.RoleOperator}
	op2   = domain.Identity{ID: "op2", Role: domain.RoleOperator}
)

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(at time.Time) *clock { return &clock{now: at} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) Close() error { return nil }

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func seedUser(t *testing.T, db *gorm.DB, id string, credits int64) {
	t.Helper()
	if err := repo.UpsertRealUser(context.Background(), db, &domain.RealUser{ID: id, DisplayName: id, Credits: credits}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedOperator(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	if err := repo.UpsertOperator(context.Background(), db, &domain.Operator{ID: id, DisplayName: id, Status: domain.OperatorActive}); err != nil {
		t.Fatalf("seed operator: %v", err)
	}
}

func seedPersona(t *testing.T, db *gorm.DB, p domain.Persona) *domain.Persona {
	t.Helper()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Gender == "" {
		p.Gender = domain.GenderFemale
	}
	if p.Age == 0 {
		p.Age = 30
	}
	if err := repo.SavePersona(context.Background(), db, &p); err != nil {
		t.Fatalf("seed persona: %v", err)
	}
	return &p
}

// env is a fully wired service graph over one database and one clock.
type env struct {
	db       *gorm.DB
	clk      *clock
	pub      *recorder
	ledger   *CreditLedger
	registry *ChatRegistry
	monitor  *IdleMonitor
	pipeline *MessagePipeline
	persona  *domain.Persona
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvOn(t, newSvcDB(t))
}

// newFileEnv wires the graph over a file database opened the way the server
// opens it, with a full connection pool.
func newFileEnv(t *testing.T) *env {
	t.Helper()
	db, err := repo.Open(repo.DriverSQLite, filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("open file db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return newEnvOn(t, db)
}

func newEnvOn(t *testing.T, db *gorm.DB) *env {
	t.Helper()
	clk := newClock(t0)
	pub := &recorder{}

	reg := NewChatRegistry(db, pub)
	reg.Now = clk.Now
	mon := NewIdleMonitor(reg, time.Minute)
	mon.Now = clk.Now
	ledger := NewCreditLedger(db)
	pipe := NewMessagePipeline(db, ledger, reg, 1)
	pipe.Now = clk.Now

	seedUser(t, db, user1.ID, 5)
	seedUser(t, db, user2.ID, 5)
	seedOperator(t, db, op1.ID)
	seedOperator(t, db, op2.ID)
	p := seedPersona(t, db, domain.Persona{DisplayName: "Mia", Location: "Zürich"})

	return &env{db: db, clk: clk, pub: pub, ledger: ledger, registry: reg, monitor: mon, pipeline: pipe, persona: p}
}

// openChat opens a chat for user1 with the env persona.
func (e *env) openChat(t *testing.T) *domain.Chat {
	t.Helper()
	c, _, err := e.registry.Open(context.Background(), user1, e.persona.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c
}

// assignedChat opens a chat and assigns it to op1 at the current clock.
func (e *env) assignedChat(t *testing.T) *domain.Chat {
	t.Helper()
	c := e.openChat(t)
	c, err := e.registry.Assign(context.Background(), admin, c.ID, op1.ID)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return c
}
