// Package presence tracks which actors currently hold a live connection and,
// for captains, where they are and whether they can be offered rides.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrInvalidLocation = errors.New("invalid location data")
	ErrInvalidIdentity = errors.New("identity and connection handle are required")
	ErrInvalidRole     = errors.New("role must be rider or captain")
)

const shardCount = 32

type entry struct {
	handle       string
	role         models.Role
	loc          *models.Coord
	availability models.Availability
	updatedAt    time.Time
}

func (e *entry) snapshot(identity string) models.Presence {
	p := models.Presence{Identity: identity, Handle: e.handle, Role: e.role, Availability: e.availability, UpdatedAt: e.updatedAt}
	if e.loc != nil {
		l := *e.loc
		p.Location = &l
	}
	return p
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Registry maps identities to live connection handles. Entries are spread
// over shards by identity hash; every mutation of one identity happens under
// its shard lock, including the matching geo index update, so an entry is
// never observed half-applied. A second Identify for the same identity
// silently supersedes the first binding (last identify wins); the old
// connection is not told.
type Registry struct {
	shards  [shardCount]*shard
	handles sync.Map // handle -> identity
	index   geo.Index
	logger  *slog.Logger
	now     func() time.Time
}

func NewRegistry(index geo.Index, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{index: index, logger: logger, now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(identity string) *shard {
	return r.shards[xxhash.Sum64String(identity)%shardCount]
}

// Identify binds identity to handle. Captains become active and, when their
// last location is known, visible to proximity queries again.
func (r *Registry) Identify(ctx context.Context, handle, identity string, role models.Role) error {
	if handle == "" || identity == "" {
		return ErrInvalidIdentity
	}
	if !role.Valid() {
		return ErrInvalidRole
	}

	s := r.shardFor(identity)
	s.mu.Lock()
	e, ok := s.entries[identity]
	if !ok {
		e = &entry{}
		s.entries[identity] = e
	}
	if e.handle != "" && e.handle != handle {
		r.handles.CompareAndDelete(e.handle, identity)
		r.logger.Info("ws_identify_superseded", "identity", identity, "old_handle", e.handle, "new_handle", handle)
	}
	wasActive := e.role == models.RoleCaptain && e.availability == models.Active
	e.handle = handle
	e.role = role
	e.updatedAt = r.now()

	var idxErr error
	if role == models.RoleCaptain {
		e.availability = models.Active
		if !wasActive {
			observability.CaptainsOnline.Inc()
		}
		if e.loc != nil {
			idxErr = r.index.Upsert(ctx, identity, *e.loc)
		}
	} else {
		e.availability = ""
		if wasActive {
			observability.CaptainsOnline.Dec()
			idxErr = r.index.Remove(ctx, identity)
		}
	}
	prev, loaded := r.handles.Swap(handle, identity)
	s.mu.Unlock()

	// The same connection previously identified as someone else: that
	// binding is no longer reachable through this handle.
	if loaded {
		if prevID, _ := prev.(string); prevID != "" && prevID != identity {
			r.release(ctx, prevID, handle)
		}
	}

	r.logger.Info("ws_identify", "identity", identity, "role", role, "handle", handle)
	if idxErr != nil {
		return fmt.Errorf("index captain %s: %w", identity, idxErr)
	}
	return nil
}

// ReportLocation records the last known coordinate of an active captain.
// Reports for anyone else are ignored.
func (r *Registry) ReportLocation(ctx context.Context, identity string, loc *models.Coord) error {
	if loc == nil || !loc.Valid() {
		return ErrInvalidLocation
	}
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identity]
	if !ok || e.role != models.RoleCaptain || e.availability != models.Active {
		return nil
	}
	l := *loc
	e.loc = &l
	e.updatedAt = r.now()
	if err := r.index.Upsert(ctx, identity, l); err != nil {
		return fmt.Errorf("index captain %s: %w", identity, err)
	}
	return nil
}

// Resolve returns the live handle bound to identity, if any.
func (r *Registry) Resolve(identity string) (string, bool) {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identity]
	if !ok || e.handle == "" {
		return "", false
	}
	return e.handle, true
}

// Get returns a snapshot of the entry for identity.
func (r *Registry) Get(identity string) (models.Presence, bool) {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identity]
	if !ok {
		return models.Presence{}, false
	}
	return e.snapshot(identity), true
}

// Disconnect clears whichever entry is bound to handle. Unknown handles are ignored.
func (r *Registry) Disconnect(ctx context.Context, handle string) (models.Presence, bool) {
	v, ok := r.handles.LoadAndDelete(handle)
	if !ok {
		return models.Presence{}, false
	}
	identity, _ := v.(string)
	return r.release(ctx, identity, handle)
}

// release clears identity's handle if it is still handle, deactivating captains.
func (r *Registry) release(ctx context.Context, identity, handle string) (models.Presence, bool) {
	s := r.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identity]
	if !ok || e.handle != handle {
		return models.Presence{}, false
	}
	e.handle = ""
	e.updatedAt = r.now()
	if e.role == models.RoleCaptain {
		if e.availability == models.Active {
			observability.CaptainsOnline.Dec()
		}
		e.availability = models.Inactive
		if err := r.index.Remove(ctx, identity); err != nil {
			r.logger.Error("presence_index_remove_failed", "identity", identity, "error", err)
		}
	}
	r.logger.Info("ws_disconnect", "identity", identity, "role", e.role, "handle", handle)
	return e.snapshot(identity), true
}

// ActiveCaptains lists captains that are connected and active, ordered by identity.
func (r *Registry) ActiveCaptains() []models.Presence {
	var out []models.Presence
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if e.role == models.RoleCaptain && e.availability == models.Active && e.handle != "" {
				out = append(out, e.snapshot(id))
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
