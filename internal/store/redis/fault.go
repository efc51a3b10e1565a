package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

// ReportFault stores a terminal fault and trims the timeline to
// DefaultFaultRetention entries.
func (s *Store) ReportFault(ctx context.Context, rec domain.FaultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal fault %s: %w", rec.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, FaultKey(rec.ID), data, s.faultTTL)
	pipe.ZAdd(ctx, KeyFaultTimeline, redis.Z{Score: float64(rec.LastSeen.UnixMilli()), Member: rec.ID})
	pipe.ZRemRangeByRank(ctx, KeyFaultTimeline, 0, -DefaultFaultRetention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to report fault: %w", err)
	}
	return nil
}

// RecentFaults returns up to n terminal faults, newest first.
func (s *Store) RecentFaults(ctx context.Context, n int) ([]domain.FaultRecord, error) {
	if n <= 0 {
		n = DefaultFaultRetention
	}
	ids, err := s.client.ZRevRange(ctx, KeyFaultTimeline, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read fault timeline: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = FaultKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load faults: %w", err)
	}
	out := make([]domain.FaultRecord, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.FaultRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
