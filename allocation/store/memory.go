// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/slice/allocation-engine/allocation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

var _ allocation.EntityStore = (*Memory)(nil)

type Memory struct {
	mu    sync.RWMutex
	state state
}

type pairKey struct {
	UserID   allocation.UserID
	TargetID allocation.TargetID
}

type dayKey struct {
	TargetID allocation.TargetID
	Date     time.Time
}

type state struct {
	users       map[allocation.UserID]allocation.User
	targets     map[allocation.TargetID]allocation.Target
	allocations map[pairKey]allocation.AllocationRecord
	analytics   map[dayKey]allocation.AnalyticsEntry
}

func NewMemory() *Memory {
	return &Memory{state: state{
		users:       make(map[allocation.UserID]allocation.User),
		targets:     make(map[allocation.TargetID]allocation.Target),
		allocations: make(map[pairKey]allocation.AllocationRecord),
		analytics:   make(map[dayKey]allocation.AnalyticsEntry),
	}}
}

func (s state) clone() state {
	return state{
		users:       maps.Clone(s.users),
		targets:     maps.Clone(s.targets),
		allocations: maps.Clone(s.allocations),
		analytics:   maps.Clone(s.analytics),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx holds the write lock for the whole callback. On error the state
// captured before fn ran is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(allocation.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.state.clone()
	if err := fn(&txView{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// txView operates on state without locking; the lock is held by WithTx.
type txView struct {
	s *state
}

// =============================================================================
// ENTITY REGISTRATION
// =============================================================================

func (m *Memory) CreateUser(_ context.Context, u allocation.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, allocation.ErrDuplicate)
	}
	for _, existing := range m.state.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return fmt.Errorf("user %s: %w", u.Username, allocation.ErrDuplicate)
		}
	}
	u.Role = u.RoleOrDefault()
	m.state.users[u.ID] = u
	return nil
}

func (m *Memory) SetUserRole(_ context.Context, id allocation.UserID, role string) error {
	if !allocation.ValidRole(role) {
		return &allocation.ValidationError{Field: "role", Bound: "oneof=user admin", Value: role}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.state.users[id]
	if !ok {
		return &allocation.NotFoundError{Kind: "user", ID: string(id)}
	}
	u.Role = role
	u.UpdatedAt = time.Now()
	m.state.users[id] = u
	return nil
}

func (m *Memory) CreateTarget(_ context.Context, t allocation.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.targets[t.ID]; ok {
		return fmt.Errorf("target %s: %w", t.ID, allocation.ErrDuplicate)
	}
	m.state.targets[t.ID] = t
	return nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*allocation.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.state.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, nil
}

// =============================================================================
// READS (locked wrappers around txView)
// =============================================================================

func (m *Memory) read() *txView {
	return &txView{s: &m.state}
}

func (m *Memory) GetUser(ctx context.Context, id allocation.UserID) (*allocation.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetUser(ctx, id)
}

func (m *Memory) ListUsers(ctx context.Context) ([]allocation.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListUsers(ctx)
}

func (m *Memory) GetTarget(ctx context.Context, id allocation.TargetID) (*allocation.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetTarget(ctx, id)
}

func (m *Memory) ListTargets(ctx context.Context) ([]allocation.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListTargets(ctx)
}

func (m *Memory) GetAllocation(ctx context.Context, userID allocation.UserID, targetID allocation.TargetID) (*allocation.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetAllocation(ctx, userID, targetID)
}

func (m *Memory) ListAllocationsByUser(ctx context.Context, userID allocation.UserID) ([]allocation.AllocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListAllocationsByUser(ctx, userID)
}

func (m *Memory) SumByUser(ctx context.Context, userID allocation.UserID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().SumByUser(ctx, userID)
}

func (m *Memory) SumByTarget(ctx context.Context, targetID allocation.TargetID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().SumByTarget(ctx, targetID)
}

func (m *Memory) GetAnalytics(ctx context.Context, targetID allocation.TargetID, day time.Time) (*allocation.AnalyticsEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetAnalytics(ctx, targetID, day)
}

func (m *Memory) ListAnalytics(ctx context.Context, targetID allocation.TargetID, from, to time.Time) ([]allocation.AnalyticsEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListAnalytics(ctx, targetID, from, to)
}

// =============================================================================
// WRITES (each a single-statement transaction)
// =============================================================================

func (m *Memory) UpsertAllocation(ctx context.Context, rec allocation.AllocationRecord) error {
	return m.WithTx(ctx, func(s allocation.Store) error { return s.UpsertAllocation(ctx, rec) })
}

func (m *Memory) DeleteAllocation(ctx context.Context, userID allocation.UserID, targetID allocation.TargetID) (bool, error) {
	var removed bool
	err := m.WithTx(ctx, func(s allocation.Store) error {
		var err error
		removed, err = s.DeleteAllocation(ctx, userID, targetID)
		return err
	})
	return removed, err
}

func (m *Memory) SetTargetTotal(ctx context.Context, targetID allocation.TargetID, total int) error {
	return m.WithTx(ctx, func(s allocation.Store) error { return s.SetTargetTotal(ctx, targetID, total) })
}

func (m *Memory) UpsertAnalytics(ctx context.Context, entry allocation.AnalyticsEntry) error {
	return m.WithTx(ctx, func(s allocation.Store) error { return s.UpsertAnalytics(ctx, entry) })
}

func (m *Memory) SetUserBudget(ctx context.Context, userID allocation.UserID, total int) error {
	return m.WithTx(ctx, func(s allocation.Store) error { return s.SetUserBudget(ctx, userID, total) })
}

// =============================================================================
// TX VIEW - allocation.Store over unlocked state
// =============================================================================

func (v *txView) GetUser(_ context.Context, id allocation.UserID) (*allocation.User, error) {
	u, ok := v.s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (v *txView) ListUsers(_ context.Context) ([]allocation.User, error) {
	users := make([]allocation.User, 0, len(v.s.users))
	for _, u := range v.s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (v *txView) GetTarget(_ context.Context, id allocation.TargetID) (*allocation.Target, error) {
	t, ok := v.s.targets[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (v *txView) ListTargets(_ context.Context) ([]allocation.Target, error) {
	targets := make([]allocation.Target, 0, len(v.s.targets))
	for _, t := range v.s.targets {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

func (v *txView) GetAllocation(_ context.Context, userID allocation.UserID, targetID allocation.TargetID) (*allocation.AllocationRecord, error) {
	rec, ok := v.s.allocations[pairKey{userID, targetID}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (v *txView) ListAllocationsByUser(_ context.Context, userID allocation.UserID) ([]allocation.AllocationRecord, error) {
	var recs []allocation.AllocationRecord
	for k, rec := range v.s.allocations {
		if k.UserID == userID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].TargetID < recs[j].TargetID
	})
	return recs, nil
}

func (v *txView) SumByUser(_ context.Context, userID allocation.UserID) (int, error) {
	total := 0
	for k, rec := range v.s.allocations {
		if k.UserID == userID {
			total += rec.Slices
		}
	}
	return total, nil
}

func (v *txView) SumByTarget(_ context.Context, targetID allocation.TargetID) (int, error) {
	total := 0
	for k, rec := range v.s.allocations {
		if k.TargetID == targetID {
			total += rec.Slices
		}
	}
	return total, nil
}

func (v *txView) GetAnalytics(_ context.Context, targetID allocation.TargetID, day time.Time) (*allocation.AnalyticsEntry, error) {
	e, ok := v.s.analytics[dayKey{targetID, allocation.Day(day)}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (v *txView) ListAnalytics(_ context.Context, targetID allocation.TargetID, from, to time.Time) ([]allocation.AnalyticsEntry, error) {
	var entries []allocation.AnalyticsEntry
	for k, e := range v.s.analytics {
		if k.TargetID == targetID && !k.Date.Before(from) && !k.Date.After(to) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Date.Before(entries[j].Date) })
	return entries, nil
}

func (v *txView) UpsertAllocation(_ context.Context, rec allocation.AllocationRecord) error {
	k := pairKey{rec.UserID, rec.TargetID}
	if existing, ok := v.s.allocations[k]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	}
	v.s.allocations[k] = rec
	return nil
}

func (v *txView) DeleteAllocation(_ context.Context, userID allocation.UserID, targetID allocation.TargetID) (bool, error) {
	k := pairKey{userID, targetID}
	if _, ok := v.s.allocations[k]; !ok {
		return false, nil
	}
	delete(v.s.allocations, k)
	return true, nil
}

func (v *txView) SetTargetTotal(_ context.Context, targetID allocation.TargetID, total int) error {
	t, ok := v.s.targets[targetID]
	if !ok {
		return &allocation.NotFoundError{Kind: "target", ID: string(targetID)}
	}
	t.TotalSlicesReceived = total
	v.s.targets[targetID] = t
	return nil
}

func (v *txView) UpsertAnalytics(_ context.Context, entry allocation.AnalyticsEntry) error {
	entry.Date = allocation.Day(entry.Date)
	v.s.analytics[dayKey{entry.TargetID, entry.Date}] = entry
	return nil
}

func (v *txView) SetUserBudget(_ context.Context, userID allocation.UserID, total int) error {
	u, ok := v.s.users[userID]
	if !ok {
		return &allocation.NotFoundError{Kind: "user", ID: string(userID)}
	}
	u.TotalSlices = total
	u.UpdatedAt = time.Now()
	v.s.users[userID] = u
	return nil
}
