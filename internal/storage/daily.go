package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haasonsaas/concierge/internal/ratelimit"
)

// DailyUsageStore keeps per-caller daily tool counters in tool_usage_daily.
type DailyUsageStore struct {
	db *DB
}

// NewDailyUsageStore creates a DailyUsageStore.
func NewDailyUsageStore(db *DB) *DailyUsageStore {
	return &DailyUsageStore{db: db}
}

var _ ratelimit.DailyStore = (*DailyUsageStore)(nil)

func (s *DailyUsageStore) Count(ctx context.Context, callerID, feature, day string) (int, error) {
	var n int
	err := s.db.queryRow(ctx,
		`SELECT count FROM tool_usage_daily WHERE caller_id = ? AND feature = ? AND day = ?`,
		callerID, feature, day,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count tool usage: %w", err)
	}
	return n, nil
}

func (s *DailyUsageStore) Increment(ctx context.Context, callerID, feature, day string) (int, error) {
	var n int
	err := s.db.queryRow(ctx,
		`INSERT INTO tool_usage_daily (caller_id, feature, day, count) VALUES (?, ?, ?, 1)
		 ON CONFLICT (caller_id, feature, day) DO UPDATE SET count = tool_usage_daily.count + 1
		 RETURNING count`,
		callerID, feature, day,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment tool usage: %w", err)
	}
	return n, nil
}
