package events

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// supersededQuery ranks every replaceable identity by survivor order and
// selects the rows that lost.
const supersededQuery = `SELECT id FROM (
	SELECT id, ROW_NUMBER() OVER (
		PARTITION BY kind, pubkey, COALESCE(d_tag, '')
		ORDER BY created_at DESC, rowid ASC
	) AS survivor_rank
	FROM events
	WHERE kind IN (0, 3, 41)
		OR (kind >= 10000 AND kind < 20000)
		OR (kind >= 30000 AND kind < 40000)
) WHERE survivor_rank > 1`

// Compact deletes every superseded row of every replaceable identity and
// returns the number of events removed.
func (s *Store) Compact(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, newStoreError(opCompact, "not_initialized", ErrNotInitialized)
	}

	var ids []string
	if err := s.db.WithContext(ctx).Raw(supersededQuery).Scan(&ids).Error; err != nil {
		s.logError(opCompact, "select_failed", err)
		return 0, newStoreError(opCompact, "select_failed", err)
	}

	var removed int64
	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			count, err := deleteByIDs(tx, chunk)
			removed += count
			return err
		})
		if err != nil {
			s.logError(opCompact, "delete_failed", err, zap.Int64("removed", removed))
			return removed, newStoreError(opCompact, "delete_failed", err)
		}
	}

	if removed > 0 {
		s.logger.Info("compaction removed superseded events", zap.Int64("removed", removed))
	}
	return removed, nil
}

// RunCompaction compacts on every tick of interval until ctx ends. A
// non-positive interval disables it.
func (s *Store) RunCompaction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Compact(ctx); err != nil {
				s.logger.Warn("scheduled compaction failed", zap.Error(err))
			}
		}
	}
}
