package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tbourn/persona-chat-backend/internal/domain"
)

// countingSource serves fixed partitions and counts store fetches. When gate
// is non-nil every fetch blocks until it is closed.
type countingSource struct {
	fetches atomic.Int64
	mu      sync.Mutex
	data    map[domain.Gender][]domain.Persona
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (s *countingSource) load(ctx context.Context, g domain.Gender) ([]domain.Persona, error) {
	s.fetches.Add(1)
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	// The partition is read when the fetch starts, as a store query would.
	s.mu.Lock()
	err := s.err
	out := append([]domain.Persona(nil), s.data[g]...)
	s.mu.Unlock()
	if s.gate != nil {
		<-s.gate
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *countingSource) set(g domain.Gender, ps ...domain.Persona) {
	s.mu.Lock()
	s.data[g] = ps
	s.mu.Unlock()
}

func newCountingSource() *countingSource {
	return &countingSource{data: map[domain.Gender][]domain.Persona{}}
}

func TestProfileCache_HitAfterMiss(t *testing.T) {
	src := newCountingSource()
	src.set(domain.GenderFemale, domain.Persona{ID: "f1", DisplayName: "Ana", Gender: domain.GenderFemale})
	c := NewProfileCache(src.load)

	for i := 0; i < 3; i++ {
		got, err := c.Get(context.Background(), domain.GenderFemale)
		if err != nil || len(got) != 1 || got[0].ID != "f1" {
			t.Fatalf("Get #%d: %v %+v", i, err, got)
		}
	}
	if n := src.fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestProfileCache_ReturnsCopy(t *testing.T) {
	src := newCountingSource()
	src.set(domain.GenderMale, domain.Persona{ID: "m1", DisplayName: "Bo"})
	c := NewProfileCache(src.load)

	got, _ := c.Get(context.Background(), domain.GenderMale)
	got[0].DisplayName = "mutated"
	again, _ := c.Get(context.Background(), domain.GenderMale)
	if again[0].DisplayName != "Bo" {
		t.Fatalf("cache entry was mutated through returned slice: %q", again[0].DisplayName)
	}
}

func TestProfileCache_InvalidGender(t *testing.T) {
	c := NewProfileCache(newCountingSource().load)
	if _, err := c.Get(context.Background(), "other"); !errors.Is(err, ErrInvalidGender) {
		t.Fatalf("expected ErrInvalidGender, got %v", err)
	}
}

func TestProfileCache_InvalidateRefetches(t *testing.T) {
	ctx := context.Background()
	src := newCountingSource()
	src.set(domain.GenderFemale, domain.Persona{ID: "f1", Location: "Paris"})
	c := NewProfileCache(src.load)

	if _, err := c.Get(ctx, domain.GenderFemale); err != nil {
		t.Fatal(err)
	}
	src.set(domain.GenderFemale, domain.Persona{ID: "f1", Location: "Lyon"})

	stale, _ := c.Get(ctx, domain.GenderFemale)
	if stale[0].Location != "Paris" {
		t.Fatalf("expected cached value before invalidate, got %q", stale[0].Location)
	}
	c.Invalidate()
	fresh, _ := c.Get(ctx, domain.GenderFemale)
	if fresh[0].Location != "Lyon" {
		t.Fatalf("expected fresh value after invalidate, got %q", fresh[0].Location)
	}
	if n := src.fetches.Load(); n != 2 {
		t.Fatalf("fetches = %d, want 2", n)
	}
}

func TestProfileCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	src := newCountingSource()
	src.set(domain.GenderMale, domain.Persona{ID: "m1"})
	src.gate = make(chan struct{})
	c := NewProfileCache(src.load)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Get(context.Background(), domain.GenderMale)
			if err != nil || len(got) != 1 {
				t.Errorf("Get: %v %+v", err, got)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if n := src.fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestProfileCache_InvalidateDuringFetchIsNotStored(t *testing.T) {
	ctx := context.Background()
	src := newCountingSource()
	src.set(domain.GenderFemale, domain.Persona{ID: "old"})
	src.gate = make(chan struct{})
	src.started = make(chan struct{}, 1)
	c := NewProfileCache(src.load)

	done := make(chan []domain.Persona)
	go func() {
		got, _ := c.Get(ctx, domain.GenderFemale)
		done <- got
	}()
	<-src.started
	c.Invalidate()
	src.set(domain.GenderFemale, domain.Persona{ID: "new"})
	close(src.gate)

	if got := <-done; len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("in-flight caller should receive its fetch, got %+v", got)
	}
	got, err := c.Get(ctx, domain.GenderFemale)
	if err != nil || got[0].ID != "new" {
		t.Fatalf("fetch from before invalidate repopulated the cache: %v %+v", err, got)
	}
	if n := src.fetches.Load(); n != 2 {
		t.Fatalf("fetches = %d, want 2", n)
	}
}

func TestProfileCache_FetchErrorNotCached(t *testing.T) {
	ctx := context.Background()
	src := newCountingSource()
	src.err = errors.New("db down")
	c := NewProfileCache(src.load)

	_, err := c.Get(ctx, domain.GenderMale)
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	src.set(domain.GenderMale, domain.Persona{ID: "m1"})

	got, err := c.Get(ctx, domain.GenderMale)
	if err != nil || len(got) != 1 {
		t.Fatalf("retry after error: %v %+v", err, got)
	}
}

func TestFilterProfiles(t *testing.T) {
	in := []domain.Persona{
		{ID: "a", Age: 25, Location: "Zürich"},
		{ID: "b", Age: 30, Location: "Berlin"},
		{ID: "c", Age: 35, Location: "ZÜRICH Oerlikon"},
		{ID: "d", Age: 41, Location: "Athens"},
	}
	ids := func(ps []domain.Persona) string {
		s := ""
		for _, p := range ps {
			s += p.ID
		}
		return s
	}

	cases := []struct {
		name string
		f    ProfileFilter
		want string
	}{
		{"no filter", ProfileFilter{}, "abcd"},
		{"inclusive bounds", ProfileFilter{MinAge: 25, MaxAge: 35}, "abc"},
		{"min only", ProfileFilter{MinAge: 31}, "cd"},
		{"max only", ProfileFilter{MaxAge: 30}, "ab"},
		{"case folded location", ProfileFilter{Location: "zürich"}, "ac"},
		{"substring", ProfileFilter{Location: "  erl "}, "bc"},
		{"combined", ProfileFilter{MinAge: 30, Location: "zürich"}, "c"},
		{"no match", ProfileFilter{Location: "Oslo"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ids(FilterProfiles(in, tc.f)); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
