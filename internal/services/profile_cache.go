// Package services – ProfileCache
//
// ProfileCache fronts the persona directory with one in-memory partition per
// gender. Partitions fill lazily on first miss and live until Invalidate.
// Concurrent misses for a partition share one store fetch through
// singleflight. A failed fetch is returned to every waiting caller and the
// previous partition, if any, stays in place.
//
// Invalidate bumps a generation counter. A fetch started under an older
// generation still answers its callers but is not stored, so a persona edit
// followed by Invalidate is always visible to the next Get.
package services

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/repo"
)

// PersonaSource loads one directory partition from the store.
type PersonaSource func(ctx context.Context, gender domain.Gender) ([]domain.Persona, error)

// StorePersonaSource reads partitions through the repository.
func StorePersonaSource(db *gorm.DB) PersonaSource {
	return func(ctx context.Context, gender domain.Gender) ([]domain.Persona, error) {
		return repo.ListPersonasByGender(ctx, db, gender)
	}
}

// ProfileCache is safe for concurrent use. The zero value is not usable;
// call NewProfileCache.
type ProfileCache struct {
	load PersonaSource

	mu    sync.RWMutex
	gen   uint64
	parts map[domain.Gender][]domain.Persona

	group singleflight.Group
}

// NewProfileCache returns an empty cache backed by load.
func NewProfileCache(load PersonaSource) *ProfileCache {
	return &ProfileCache{load: load, parts: make(map[domain.Gender][]domain.Persona)}
}

// Get returns the gender partition, filling it from the store on a miss. The
// returned slice is a copy.
func (c *ProfileCache) Get(ctx context.Context, gender domain.Gender) ([]domain.Persona, error) {
	ctx, span := otel.Tracer("services/ProfileCache").Start(ctx, "Get",
		trace.WithAttributes(attribute.String("gender", string(gender))),
	)
	defer span.End()

	if !gender.Valid() {
		return nil, ErrInvalidGender
	}

	c.mu.RLock()
	part, ok := c.parts[gender]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		profileCacheLookups.WithLabelValues(string(gender), "hit").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return clonePersonas(part), nil
	}
	profileCacheLookups.WithLabelValues(string(gender), "miss").Inc()

	key := string(gender) + "/" + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Shared by every waiter, so one caller's cancellation must not fail the rest.
		list, err := c.load(context.WithoutCancel(ctx), gender)
		if err != nil {
			profileCacheFetches.WithLabelValues("error").Inc()
			return nil, storeErr("load personas", err)
		}
		profileCacheFetches.WithLabelValues("ok").Inc()
		if list == nil {
			list = []domain.Persona{}
		}
		c.mu.Lock()
		if c.gen == gen {
			c.parts[gender] = list
		}
		c.mu.Unlock()
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return clonePersonas(v.([]domain.Persona)), nil
}

// Invalidate drops every partition.
func (c *ProfileCache) Invalidate() {
	c.mu.Lock()
	c.gen++
	c.parts = make(map[domain.Gender][]domain.Persona)
	c.mu.Unlock()
}

func clonePersonas(in []domain.Persona) []domain.Persona {
	out := make([]domain.Persona, len(in))
	copy(out, in)
	return out
}

// ProfileFilter narrows a partition after the cache returns it. Zero values
// disable a bound.
type ProfileFilter struct {
	MinAge   int
	MaxAge   int
	Location string
}

// FilterProfiles applies inclusive age bounds and a case-insensitive
// location substring match.
func FilterProfiles(in []domain.Persona, f ProfileFilter) []domain.Persona {
	folder := cases.Fold()
	needle := folder.String(strings.TrimSpace(f.Location))
	out := make([]domain.Persona, 0, len(in))
	for _, p := range in {
		if f.MinAge > 0 && p.Age < f.MinAge {
			continue
		}
		if f.MaxAge > 0 && p.Age > f.MaxAge {
			continue
		}
		if needle != "" && !strings.Contains(folder.String(p.Location), needle) {
			continue
		}
		out = append(out, p)
	}
	return out
}
