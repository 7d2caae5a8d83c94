package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/repo"
)

func TestIdleMonitor_SweepFlagsSilentOperator(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.assignedChat(t)
	if err := e.monitor.Heartbeat(ctx, op1, c.ID); err != nil {
		t.Fatalf("Heartbeat at t0: %v", err)
	}
	act, err := repo.GetActivity(ctx, e.db, c.ID, op1.ID)
	if err != nil || !act.LastActivity.Equal(t0) {
		t.Fatalf("activity after heartbeat: %+v %v", act, err)
	}

	e.clk.Set(t0.Add(59 * time.Second))
	if n, err := e.monitor.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("sweep before threshold: n=%d err=%v", n, err)
	}

	e.clk.Set(t0.Add(61 * time.Second))
	n, err := e.monitor.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep after threshold: n=%d err=%v", n, err)
	}
	got, _ := repo.GetChat(ctx, e.db, c.ID)
	if got.State != domain.ChatIdleFlagged || !got.HeldBy(op1.ID) {
		t.Fatalf("chat after sweep: %+v", got)
	}
	o, _ := repo.GetOperator(ctx, e.db, op1.ID)
	if o.IdleIncidents != 1 {
		t.Fatalf("idle_incidents = %d", o.IdleIncidents)
	}

	if n, _ := e.monitor.Sweep(ctx); n != 0 {
		t.Fatalf("already flagged chat was flagged again (%d)", n)
	}
}

func TestIdleMonitor_HeartbeatKeepsChatAssigned(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.assignedChat(t)

	e.clk.Set(t0.Add(30 * time.Second))
	if err := e.monitor.Heartbeat(ctx, op1, c.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	e.clk.Set(t0.Add(80 * time.Second))
	if n, _ := e.monitor.Sweep(ctx); n != 0 {
		t.Fatalf("chat with recent heartbeat was flagged")
	}
	e.clk.Set(t0.Add(91 * time.Second))
	if n, _ := e.monitor.Sweep(ctx); n != 1 {
		t.Fatalf("chat silent for over a minute was not flagged")
	}
}

func TestIdleMonitor_Heartbeat_Authorization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.assignedChat(t)

	for _, id := range []domain.Identity{op2, user1, admin} {
		if err := e.monitor.Heartbeat(ctx, id, c.ID); !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s heartbeat: expected forbidden, got %v", id.ID, err)
		}
	}
	if err := e.monitor.Heartbeat(ctx, op1, "missing"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
}

func TestIdleMonitor_ReassignScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.assignedChat(t)

	e.clk.Set(t0.Add(61 * time.Second))
	if n, _ := e.monitor.Sweep(ctx); n != 1 {
		t.Fatal("expected flag")
	}
	if _, err := e.registry.Reassign(ctx, admin, c.ID, op2.ID); err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	if err := e.monitor.Heartbeat(ctx, op1, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("previous operator heartbeat: expected forbidden, got %v", err)
	}
	if err := e.monitor.Heartbeat(ctx, op2, c.ID); err != nil {
		t.Fatalf("new operator heartbeat: %v", err)
	}

	// The new assignment starts its own idle window.
	e.clk.Set(t0.Add(100 * time.Second))
	if n, _ := e.monitor.Sweep(ctx); n != 0 {
		t.Fatalf("fresh reassignment flagged")
	}
}

func TestIdleMonitor_SweepIgnoresUnassignedAndClosed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.openChat(t)
	seedUser(t, e.db, "u3", 1)
	closed, _, _ := e.registry.Open(ctx, domain.Identity{ID: "u3", Role: domain.RoleRealUser}, e.persona.ID)
	if _, err := e.registry.Assign(ctx, admin, closed.ID, op2.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.registry.Close(ctx, admin, closed.ID); err != nil {
		t.Fatal(err)
	}

	e.clk.Set(t0.Add(time.Hour))
	if n, err := e.monitor.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestIdleMonitor_StartStop(t *testing.T) {
	e := newEnv(t)
	if err := e.monitor.Start("not a schedule"); err == nil {
		t.Fatalf("expected schedule parse error")
	}
	if err := e.monitor.Start("@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.monitor.Start("@every 1h"); err != nil {
		t.Fatalf("second Start should be a no-op: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.monitor.Stop(ctx)
	e.monitor.Stop(ctx)
}
