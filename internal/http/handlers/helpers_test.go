package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/events"
	"github.com/tbourn/persona-chat-backend/internal/http/middleware"
	"github.com/tbourn/persona-chat-backend/internal/repo"
	"github.com/tbourn/persona-chat-backend/internal/services"
)

var (
	admin = domain.Identity{ID: "admin1", Role: domain.RoleAdmin}
	user1 = domain.Identity{ID: "u1", Role: domain.RoleRealUser}
	user2 = domain.Identity{ID: "u2", Role: domain.RoleRealUser}
	op1   = domain.Identity{ID: "op1", Role: domain.RoleOperator}
	op2   = domain.Identity{ID: "op2", Role: domain.RoleOperator}
)

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())

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
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// apiEnv is a router over real services and one database.
type apiEnv struct {
	db      *gorm.DB
	r       *gin.Engine
	persona *domain.Persona
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newHandlerDB(t)
	reg := services.NewChatRegistry(db, events.Nop{})
	ledger := services.NewCreditLedger(db)
	h := New(Services{
		Chats:    reg,
		Messages: services.NewMessagePipeline(db, ledger, reg, 1),
		Profiles: services.NewProfileService(db),
		Activity: services.NewIdleMonitor(reg, time.Minute),
		Credits:  ledger,
		DB:       db,
	})

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger(middleware.RedactOptions{}))
	api := r.Group("/api/v1",
		middleware.Authenticate(middleware.HeaderAuthenticator{}),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, func(ctx context.Context, userID, key string, now time.Time) (bool, error) {
			_, err := repo.GetIdempotency(ctx, db, userID, key, now)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			return err == nil, err
		}),
	)
	api.POST("/messages", h.SendMessage)
	api.PATCH("/messages/:id", h.EditMessage)
	api.GET("/messages/:id/edits", h.ListEdits)
	api.POST("/heartbeat", h.Heartbeat)
	api.GET("/profiles", h.ListProfiles)
	api.POST("/profiles/invalidate", h.InvalidateProfiles)
	api.PUT("/profiles/:id", h.PutProfile)
	api.POST("/notes", h.UpdateNotes)
	api.POST("/chats", h.OpenChat)
	api.GET("/chats/:id", h.GetChat)
	api.GET("/chats/:id/messages", h.ListMessages)
	api.POST("/chats/:id/assign", h.AssignChat)
	api.POST("/chats/:id/reassign", h.ReassignChat)
	api.POST("/chats/:id/close", h.CloseChat)
	api.GET("/operators/:id/stats", h.OperatorStats)
	api.POST("/users/:id/credits", h.GrantCredits)

	e := &apiEnv{db: db, r: r}
	ctx := context.Background()
	for _, u := range []domain.Identity{user1, user2} {
		if err := repo.UpsertRealUser(ctx, db, &domain.RealUser{ID: u.ID, DisplayName: u.ID, Credits: 3}); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	for _, o := range []domain.Identity{op1, op2} {
		if err := repo.UpsertOperator(ctx, db, &domain.Operator{ID: o.ID, DisplayName: o.ID, Status: domain.OperatorActive}); err != nil {
			t.Fatalf("seed operator: %v", err)
		}
	}
	e.persona = e.seedPersona(t, domain.Persona{DisplayName: "Mia", Gender: domain.GenderFemale, Age: 29, Location: "Zürich"})
	return e
}

func (e *apiEnv) seedPersona(t *testing.T, p domain.Persona) *domain.Persona {
	t.Helper()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := repo.SavePersona(context.Background(), e.db, &p); err != nil {
		t.Fatalf("seed persona: %v", err)
	}
	return &p
}

// do performs a request as id; the zero identity sends no auth headers.
func (e *apiEnv) do(t *testing.T, id domain.Identity, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if id.ID != "" {
		req.Header.Set(middleware.HeaderUserID, id.ID)
		req.Header.Set(middleware.HeaderUserRole, string(id.Role))
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

// openChat opens a chat between user1 and the env persona.
func (e *apiEnv) openChat(t *testing.T) *domain.Chat {
	t.Helper()
	w := e.do(t, user1, http.MethodPost, "/api/v1/chats", OpenChatRequest{PersonaID: e.persona.ID})
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("open chat: %d %s", w.Code, w.Body.String())
	}
	var resp OpenChatResponse
	decode(t, w, &resp)
	return resp.Chat
}

// assignedChat opens a chat and lets op1 take it.
func (e *apiEnv) assignedChat(t *testing.T) *domain.Chat {
	t.Helper()
	ch := e.openChat(t)
	w := e.do(t, op1, http.MethodPost, "/api/v1/chats/"+ch.ID+"/assign", OperatorRequest{OperatorID: op1.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", w.Code, w.Body.String())
	}
	return ch
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) ErrorResponse {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status=%d want %d body=%s", w.Code, status, w.Body.String())
	}
	var er ErrorResponse
	decode(t, w, &er)
	if er.Code != code {
		t.Fatalf("code=%q want %q", er.Code, code)
	}
	if er.RequestID == "" {
		t.Fatalf("missing request_id in %s", w.Body.String())
	}
	return er
}
