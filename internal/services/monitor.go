// Package services – IdleMonitor
//
// The monitor accepts operator heartbeats and periodically flags assigned
// chats whose operator has been silent for longer than Threshold. A sweep
// takes a snapshot of stale assignments and then tries to flag each one
// individually; every flag re-checks staleness against live state, so an
// assignment or heartbeat that lands between snapshot and flag is never
// penalized.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/repo"
)

const (
	defaultIdleThreshold = time.Minute
	defaultSweepBatch    = 500
)

// IdleMonitor records heartbeats and sweeps for idle operators.
type IdleMonitor struct {
	Registry  *ChatRegistry
	DB        *gorm.DB
	Threshold time.Duration
	BatchSize int
	Now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewIdleMonitor returns a monitor flagging chats silent for threshold.
func NewIdleMonitor(reg *ChatRegistry, threshold time.Duration) *IdleMonitor {
	if threshold <= 0 {
		threshold = defaultIdleThreshold
	}
	return &IdleMonitor{
		Registry:  reg,
		DB:        reg.DB,
		Threshold: threshold,
		BatchSize: defaultSweepBatch,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *IdleMonitor) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

// Heartbeat records that the calling operator is active on chatID. Callers
// other than the assigned operator are rejected.
func (m *IdleMonitor) Heartbeat(ctx context.Context, id domain.Identity, chatID string) error {
	ctx, span := otel.Tracer("services/IdleMonitor").Start(ctx, "Heartbeat",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("operator.id", id.ID),
		),
	)
	defer span.End()

	c, err := loadChat(ctx, m.DB, chatID)
	if err != nil {
		return err
	}
	if err := Authorize(id, CapHeartbeat, Resource{Chat: c}); err != nil {
		return err
	}
	return m.Registry.RecordActivity(ctx, chatID, id.ID, m.now())
}

// Sweep flags every stale assignment found at call time and returns how
// many chats it flagged. A failure on one chat is logged and does not stop
// the sweep; only a failed snapshot is returned as an error.
func (m *IdleMonitor) Sweep(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("services/IdleMonitor").Start(ctx, "Sweep")
	defer span.End()

	start := time.Now()
	defer func() { idleSweepDuration.Observe(time.Since(start).Seconds()) }()

	cutoff := m.now().Add(-m.Threshold)
	stale, err := repo.ListStaleAssignments(ctx, m.DB, cutoff, m.BatchSize)
	if err != nil {
		return 0, storeErr("list stale assignments", err)
	}

	flagged := 0
	for _, s := range stale {
		if ctx.Err() != nil {
			break
		}
		ok, err := m.Registry.FlagIdle(ctx, s.ChatID, s.OperatorID, cutoff)
		if err != nil {
			logFrom(ctx).Error().Err(err).
				Str("chat_id", s.ChatID).
				Str("operator_id", s.OperatorID).
				Msg("idle flag failed")
			continue
		}
		if ok {
			flagged++
		}
	}
	span.SetAttributes(attribute.Int("sweep.candidates", len(stale)), attribute.Int("sweep.flagged", flagged))
	if flagged > 0 {
		logFrom(ctx).Info().Int("flagged", flagged).Dur("threshold", m.Threshold).Msg("idle sweep")
	}
	return flagged, ctx.Err()
}

// Start runs Sweep on a cron schedule (for example "@every 10s"). A sweep
// still running when the next tick fires causes that tick to be skipped.
func (m *IdleMonitor) Start(schedule string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := m.Sweep(context.Background()); err != nil {
			logFrom(context.Background()).Error().Err(err).Msg("idle sweep failed")
		}
	}); err != nil {
		return err
	}
	c.Start()
	m.cron = c
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to
// expire.
func (m *IdleMonitor) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
