package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrQuotaExceeded is returned when a caller has used its daily allowance.
var ErrQuotaExceeded = errors.New("daily limit reached")

// DayFormat keys daily counters by UTC calendar day.
const DayFormat = "2006-01-02"

// DailyStore persists per-caller, per-feature, per-day usage counts.
type DailyStore interface {
	Count(ctx context.Context, callerID, feature, day string) (int, error)
	Increment(ctx context.Context, callerID, feature, day string) (int, error)
}

// Quota is a snapshot of a caller's daily allowance for one feature.
type Quota struct {
	Limit     int `json:"limit"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// DailyMeter enforces per-caller daily limits for metered tools.
//
// Check and Consume are separate calls, so concurrent requests from the same
// caller can overshoot the limit slightly.
type DailyMeter struct {
	store DailyStore
	now   func() time.Time
}

// NewDailyMeter returns a meter backed by store.
func NewDailyMeter(store DailyStore) *DailyMeter {
	return &DailyMeter{store: store, now: time.Now}
}

// WithClock overrides the meter clock for tests.
func (m *DailyMeter) WithClock(now func() time.Time) *DailyMeter {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *DailyMeter) day() string {
	return m.now().UTC().Format(DayFormat)
}

// Check reports the caller's quota for feature without consuming it. It
// returns ErrQuotaExceeded alongside the quota when nothing remains.
func (m *DailyMeter) Check(ctx context.Context, callerID, feature string, limit int) (Quota, error) {
	used, err := m.store.Count(ctx, callerID, feature, m.day())
	if err != nil {
		return Quota{}, fmt.Errorf("read %s usage: %w", feature, err)
	}
	q := newQuota(limit, used)
	if q.Remaining <= 0 {
		return q, ErrQuotaExceeded
	}
	return q, nil
}

// Consume records one use of feature and returns the updated quota.
func (m *DailyMeter) Consume(ctx context.Context, callerID, feature string, limit int) (Quota, error) {
	used, err := m.store.Increment(ctx, callerID, feature, m.day())
	if err != nil {
		return Quota{}, fmt.Errorf("record %s usage: %w", feature, err)
	}
	return newQuota(limit, used), nil
}

func newQuota(limit, used int) Quota {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Quota{Limit: limit, Used: used, Remaining: remaining}
}

// MemoryDailyStore keeps usage counters in process memory.
type MemoryDailyStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryDailyStore creates an empty in-memory counter store.
func NewMemoryDailyStore() *MemoryDailyStore {
	return &MemoryDailyStore{counts: make(map[string]int)}
}

func dailyKey(callerID, feature, day string) string {
	return callerID + "\x00" + feature + "\x00" + day
}

// Count returns the recorded uses.
func (s *MemoryDailyStore) Count(_ context.Context, callerID, feature, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[dailyKey(callerID, feature, day)], nil
}

// Increment adds one use and returns the new total.
func (s *MemoryDailyStore) Increment(_ context.Context, callerID, feature, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dailyKey(callerID, feature, day)
	s.counts[key]++
	return s.counts[key], nil
}
