// Package memory provides in-process implementations of the persistence
// ports. They back tests and the --db-less dry-run mode; semantics (CAS
// versioning, recency ordering) match the SQLite implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"StudioFeed/internal/domain"
	"StudioFeed/internal/ports"
)

// Store implements SlotRepository, HistoryStore and RulesStore in memory.
type Store struct {
	mu       sync.RWMutex
	slots    map[string]*domain.ScheduledSlot
	history  []domain.ProductionHistoryEntry // newest first
	rules    domain.VariationRules
	settings domain.ScheduleSettings
}

var (
	_ ports.SlotRepository = (*Store)(nil)
	_ ports.HistoryStore   = (*Store)(nil)
	_ ports.RulesStore     = (*Store)(nil)
)

// NewStore seeds default rules and settings.
func NewStore() *Store {
	return &Store{
		slots:    map[string]*domain.ScheduledSlot{},
		rules:    domain.DefaultVariationRules(),
		settings: domain.DefaultScheduleSettings(),
	}
}

func cloneSlot(s *domain.ScheduledSlot) *domain.ScheduledSlot {
	out := *s
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	if s.Approval.RequestedAt != nil {
		t := *s.Approval.RequestedAt
		out.Approval.RequestedAt = &t
	}
	if s.Approval.RespondedAt != nil {
		t := *s.Approval.RespondedAt
		out.Approval.RespondedAt = &t
	}
	if s.Result.AssetSelection != nil {
		p := *s.Result.AssetSelection
		out.Result.AssetSelection = &p
	}
	if s.Result.ScenarioSelection != nil {
		sel := *s.Result.ScenarioSelection
		out.Result.ScenarioSelection = &sel
	}
	if s.Result.OptimizedPrompt != nil {
		ps := *s.Result.OptimizedPrompt
		out.Result.OptimizedPrompt = &ps
	}
	if s.Result.GeneratedImage != nil {
		img := *s.Result.GeneratedImage
		out.Result.GeneratedImage = &img
	}
	if s.Result.QualityControl != nil {
		q := *s.Result.QualityControl
		out.Result.QualityControl = &q
	}
	return &out
}

// Create stores a new slot at version 1.
func (s *Store) Create(ctx context.Context, slot *domain.ScheduledSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot.Version = 1
	s.slots[slot.ID] = cloneSlot(slot)
	return nil
}

// Get returns a copy of the slot or ErrSlotNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.ScheduledSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, domain.ErrSlotNotFound
	}
	return cloneSlot(slot), nil
}

// Update applies a compare-and-swap on the slot version.
func (s *Store) Update(ctx context.Context, slot *domain.ScheduledSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.slots[slot.ID]
	if !ok {
		return domain.ErrSlotNotFound
	}
	if current.Version != slot.Version {
		return domain.ErrConcurrentModification
	}
	slot.Version++
	slot.UpdatedAt = time.Now()
	s.slots[slot.ID] = cloneSlot(slot)
	return nil
}

// List returns filtered slots, newest first.
func (s *Store) List(ctx context.Context, filter ports.SlotFilter) ([]*domain.ScheduledSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ScheduledSlot
	for _, slot := range s.slots {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, slot.Status) {
			continue
		}
		if filter.ApprovalStatus != "" && slot.Approval.Status != filter.ApprovalStatus {
			continue
		}
		out = append(out, cloneSlot(slot))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Delete removes a slot; unknown IDs fail with ErrSlotNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slots[id]; !ok {
		return domain.ErrSlotNotFound
	}
	delete(s.slots, id)
	return nil
}

func containsStatus(statuses []domain.Status, status domain.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Append prepends the entry, keeping newest-first order.
func (s *Store) Append(ctx context.Context, entry domain.ProductionHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]domain.ProductionHistoryEntry{entry}, s.history...)
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.ProductionHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.ProductionHistoryEntry, n)
	copy(out, s.history[:n])
	return out, nil
}

// TrimBefore drops entries older than the cutoff and reports how many.
func (s *Store) TrimBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.history[:0]
	removed := 0
	for _, entry := range s.history {
		if entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.history = kept
	return removed, nil
}

// Rules returns the variation-rules singleton.
func (s *Store) Rules(ctx context.Context) (domain.VariationRules, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules, nil
}

// UpdateRules replaces the variation-rules singleton.
func (s *Store) UpdateRules(ctx context.Context, rules domain.VariationRules) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
	return nil
}

// Settings returns the schedule settings singleton.
func (s *Store) Settings(ctx context.Context) (domain.ScheduleSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

// UpdateSettings replaces the schedule settings singleton.
func (s *Store) UpdateSettings(ctx context.Context, settings domain.ScheduleSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}
