package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/persona-chat-backend/internal/domain"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestCreateChat_Error_NoTable(t *testing.T) {
	db := newRepoDB(t, false)
	chat, err := CreateChat(context.Background(), db, "u1", "p1")
	if err == nil || chat != nil {
		t.Fatalf("expected error creating without table, got chat=%v err=%v", chat, err)
	}
}

func TestCreateGetFindChat(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)

	c, err := CreateChat(ctx, db, "u1", "p1")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if c.State != domain.ChatUnassigned || !c.IsActive || c.AssignedOperatorID != nil {
		t.Fatalf("unexpected new chat: %+v", c)
	}

	got, err := GetChat(ctx, db, c.ID)
	if err != nil || got.RealUserID != "u1" || got.PersonaID != "p1" {
		t.Fatalf("GetChat: %v %+v", err, got)
	}
	if _, err := GetChat(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	found, err := FindActiveChat(ctx, db, "u1", "p1")
	if err != nil || found.ID != c.ID {
		t.Fatalf("FindActiveChat: %v %+v", err, found)
	}
	if ok, err := CloseChat(ctx, db, c.ID, t0); err != nil || !ok {
		t.Fatalf("CloseChat: ok=%v err=%v", ok, err)
	}
	if _, err := FindActiveChat(ctx, db, "u1", "p1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("closed chat must not be found as active, got %v", err)
	}
}

func TestAssignChat_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	c, _ := CreateChat(ctx, db, "u1", "p1")

	ok, err := AssignChat(ctx, db, c.ID, "op1", t0)
	if err != nil || !ok {
		t.Fatalf("first assign: ok=%v err=%v", ok, err)
	}
	ok, err = AssignChat(ctx, db, c.ID, "op2", t0)
	if err != nil || ok {
		t.Fatalf("second assign must not match: ok=%v err=%v", ok, err)
	}
	got, _ := GetChat(ctx, db, c.ID)
	if got.State != domain.ChatAssigned || !got.HeldBy("op1") || got.AssignedAt == nil || !got.AssignedAt.Equal(t0) {
		t.Fatalf("unexpected chat after assign: %+v", got)
	}
	if ok, _ := AssignChat(ctx, db, "missing", "op1", t0); ok {
		t.Fatalf("assign on missing chat must not match")
	}
}

func TestAssignChat_ConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	c, _ := CreateChat(ctx, db, "u1", "p1")

	ops := []string{"op1", "op2", "op3", "op4"}
	wins := make([]bool, len(ops))
	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op string) {
			defer wg.Done()
			ok, err := AssignChat(ctx, db, c.ID, op, t0)
			if err != nil {
				t.Errorf("assign %s: %v", op, err)
			}
			wins[i] = ok
		}(i, op)
	}
	wg.Wait()

	winner := ""
	for i, w := range wins {
		if w {
			if winner != "" {
				t.Fatalf("two winners: %s and %s", winner, ops[i])
			}
			winner = ops[i]
		}
	}
	if winner == "" {
		t.Fatalf("expected one winner")
	}
	got, _ := GetChat(ctx, db, c.ID)
	if !got.HeldBy(winner) {
		t.Fatalf("assigned_operator_id = %v, want %s", got.AssignedOperatorID, winner)
	}
}

func TestFlagChatIdle_ReChecksStalenessAndState(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	c, _ := CreateChat(ctx, db, "u1", "p1")
	_, _ = AssignChat(ctx, db, c.ID, "op1", t0)
	if err := UpsertActivity(ctx, db, c.ID, "op1", t0.Add(30*time.Second)); err != nil {
		t.Fatalf("UpsertActivity: %v", err)
	}

	// Activity at cutoff or later keeps the chat assigned.
	if ok, err := FlagChatIdle(ctx, db, c.ID, "op1", t0.Add(30*time.Second), t0.Add(90*time.Second)); err != nil || ok {
		t.Fatalf("fresh activity must block flag: ok=%v err=%v", ok, err)
	}
	// Wrong operator never matches.
	if ok, _ := FlagChatIdle(ctx, db, c.ID, "op2", t0.Add(31*time.Second), t0.Add(91*time.Second)); ok {
		t.Fatalf("flag for non-holder must not match")
	}
	ok, err := FlagChatIdle(ctx, db, c.ID, "op1", t0.Add(31*time.Second), t0.Add(91*time.Second))
	if err != nil || !ok {
		t.Fatalf("stale flag: ok=%v err=%v", ok, err)
	}
	// Idempotent.
	if ok, _ := FlagChatIdle(ctx, db, c.ID, "op1", t0.Add(31*time.Second), t0.Add(92*time.Second)); ok {
		t.Fatalf("re-flag must be a no-op")
	}
	got, _ := GetChat(ctx, db, c.ID)
	if got.State != domain.ChatIdleFlagged || got.IdleFlaggedAt == nil || !got.HeldBy("op1") {
		t.Fatalf("unexpected chat after flag: %+v", got)
	}
}

func TestFlagChatIdle_NoHeartbeatUsesAssignedAt(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	c, _ := CreateChat(ctx, db, "u1", "p1")
	_, _ = AssignChat(ctx, db, c.ID, "op1", t0)

	if ok, _ := FlagChatIdle(ctx, db, c.ID, "op1", t0, t0.Add(time.Minute)); ok {
		t.Fatalf("assignment at cutoff is not stale")
	}
	if ok, _ := FlagChatIdle(ctx, db, c.ID, "op1", t0.Add(time.Second), t0.Add(time.Minute)); !ok {
		t.Fatalf("assignment before cutoff without heartbeat is stale")
	}
}

func TestReassignAndRestore(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	c, _ := CreateChat(ctx, db, "u1", "p1")
	_, _ = AssignChat(ctx, db, c.ID, "op1", t0)
	_ = UpsertActivity(ctx, db, c.ID, "op1", t0)

	if ok, _ := ReassignChat(ctx, db, c.ID, "op2", t0); ok {
		t.Fatalf("reassign from assigned must not match")
	}
	_, _ = FlagChatIdle(ctx, db, c.ID, "op1", t0.Add(time.Minute), t0.Add(time.Minute))

	if ok, _ := RestoreAssigned(ctx, db, c.ID, "op2", t0); ok {
		t.Fatalf("restore by non-holder must not match")
	}
	if ok, err := RestoreAssigned(ctx, db, c.ID, "op1", t0.Add(2*time.Minute)); err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	_, _ = FlagChatIdle(ctx, db, c.ID, "op1", t0.Add(3*time.Minute), t0.Add(3*time.Minute))

	later := t0.Add(4 * time.Minute)
	if ok, err := ReassignChat(ctx, db, c.ID, "op2", later); err != nil || !ok {
		t.Fatalf("reassign: ok=%v err=%v", ok, err)
	}
	got, _ := GetChat(ctx, db, c.ID)
	if got.State != domain.ChatAssigned || !got.HeldBy("op2") || !got.AssignedAt.Equal(later) || got.IdleFlaggedAt != nil {
		t.Fatalf("unexpected chat after reassign: %+v", got)
	}
	// The old pairing's row is retained.
	if a, err := GetActivity(ctx, db, c.ID, "op1"); err != nil || !a.LastActivity.Equal(t0) {
		t.Fatalf("old activity row should be retained: %v %+v", err, a)
	}
}

func TestCloseChat_AndNotesAfterClose(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	c, _ := CreateChat(ctx, db, "u1", "p1")

	if ok, _ := CloseChat(ctx, db, c.ID, t0); !ok {
		t.Fatalf("close must match")
	}
	if ok, _ := CloseChat(ctx, db, c.ID, t0); ok {
		t.Fatalf("second close must not match")
	}
	if ok, _ := AssignChat(ctx, db, c.ID, "op1", t0); ok {
		t.Fatalf("assign on closed chat must not match")
	}

	if err := UpdateChatNotes(ctx, db, c.ID, NotesFictional, "likes jazz"); err != nil {
		t.Fatalf("UpdateChatNotes: %v", err)
	}
	got, _ := GetChat(ctx, db, c.ID)
	if got.IsActive || got.State != domain.ChatClosed || got.FictionalProfileNotes != "likes jazz" {
		t.Fatalf("unexpected chat: %+v", got)
	}
	if err := UpdateChatNotes(ctx, db, "missing", NotesReal, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNextMessageSeq(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)
	c, _ := CreateChat(ctx, db, "u1", "p1")

	for want := int64(1); want <= 3; want++ {
		seq, err := NextMessageSeq(ctx, db, c.ID, t0)
		if err != nil || seq != want {
			t.Fatalf("seq=%d err=%v; want %d", seq, err, want)
		}
	}
	got, _ := GetChat(ctx, db, c.ID)
	if got.MessageCount != 3 || got.LastMessageAt == nil {
		t.Fatalf("unexpected counters: %+v", got)
	}

	_, _ = CloseChat(ctx, db, c.ID, t0)
	if _, err := NextMessageSeq(ctx, db, c.ID, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("closed chat: expected ErrNotFound, got %v", err)
	}
}

func TestListStaleAssignments(t *testing.T) {
	ctx := context.Background()
	db := newRepoDB(t, true)

	stale, _ := CreateChat(ctx, db, "u1", "p1")
	fresh, _ := CreateChat(ctx, db, "u2", "p1")
	recent, _ := CreateChat(ctx, db, "u3", "p1")
	_, _ = CreateChat(ctx, db, "u4", "p1") // unassigned

	_, _ = AssignChat(ctx, db, stale.ID, "op1", t0)
	_, _ = AssignChat(ctx, db, fresh.ID, "op1", t0)
	_, _ = AssignChat(ctx, db, recent.ID, "op2", t0.Add(2*time.Minute))
	_ = UpsertActivity(ctx, db, stale.ID, "op1", t0)
	_ = UpsertActivity(ctx, db, fresh.ID, "op1", t0.Add(90*time.Second))

	cutoff := t0.Add(61 * time.Second)
	got, err := ListStaleAssignments(ctx, db, cutoff, 10)
	if err != nil {
		t.Fatalf("ListStaleAssignments: %v", err)
	}
	if len(got) != 1 || got[0].ChatID != stale.ID || got[0].OperatorID != "op1" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}
