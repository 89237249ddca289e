package events

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/relaycache/internal/kinds"
	"github.com/MarcoPoloResearchLab/relaycache/internal/search"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const deleteChunkSize = 500

// identityRow is a stored member of a replaceable identity.
type identityRow struct {
	ID               string `gorm:"column:id"`
	CreatedAtSeconds int64  `gorm:"column:created_at"`
}

// resolveInsert decides the outcome of storing ev and applies it through tx.
// pending holds ids already resolved earlier in the same transaction.
//
// Replacement is lazy: an accepted event does not delete the rows it
// supersedes. Those are removed when a later write conflicts on the same
// identity, or by compaction.
func (s *Store) resolveInsert(tx *gorm.DB, ev *nostr.Event, pending map[string]struct{}) (Outcome, error) {
	if _, ok := pending[ev.ID]; ok || s.seen.Contains(ev.ID) {
		return RejectedSeen, nil
	}

	identity := kinds.IdentityOf(ev)
	replacing := false
	if identity.Class != kinds.Regular {
		rows, err := loadIdentity(tx, identity)
		if err != nil {
			return 0, newStoreError(opInsert, "identity_select_failed", err)
		}
		if len(rows) > 0 {
			survivor := rows[0]
			if containsID(rows, ev.ID) || survivor.CreatedAtSeconds >= int64(ev.CreatedAt) {
				if _, err := deleteByIDs(tx, idsAfter(rows)); err != nil {
					return 0, newStoreError(opInsert, "stale_delete_failed", err)
				}
				return RejectedStale, nil
			}
			replacing = true
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, newStoreError(opInsert, "encode_failed", err)
	}
	record := EventRecord{
		ID:               ev.ID,
		PubKey:           ev.PubKey,
		CreatedAtSeconds: int64(ev.CreatedAt),
		Kind:             ev.Kind,
		JSON:             string(payload),
	}
	if identity.Class == kinds.Parameterized {
		d := identity.D
		record.DTag = &d
	}

	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return 0, newStoreError(opInsert, "event_insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return RejectedDuplicate, nil
	}

	if tags := tagRecords(ev); len(tags) > 0 {
		if err := tx.Create(&tags).Error; err != nil {
			return 0, newStoreError(opInsert, "tag_insert_failed", err)
		}
	}

	if search.Indexed(ev.Kind) {
		document, ok, err := search.Document(ev.Kind, ev.Content)
		switch {
		case err != nil:
			s.logger.Warn("event content not indexed",
				zap.String("event_id", ev.ID),
				zap.Int("kind", ev.Kind),
				zap.Error(err))
		case ok:
			if err := tx.Exec(`INSERT INTO search_content (id, content) VALUES (?, ?)`, ev.ID, document).Error; err != nil {
				return 0, newStoreError(opInsert, "search_insert_failed", err)
			}
		}
	}

	if replacing {
		return AcceptedReplacing, nil
	}
	return AcceptedNew, nil
}

// loadIdentity returns the stored rows sharing identity, survivor first.
func loadIdentity(tx *gorm.DB, identity kinds.Identity) ([]identityRow, error) {
	statement := tx.Model(&EventRecord{}).
		Select("id", "created_at").
		Where("kind = ? AND pubkey = ?", identity.Kind, identity.PubKey)
	if identity.Class == kinds.Parameterized {
		statement = statement.Where("d_tag = ?", identity.D)
	}
	var rows []identityRow
	err := statement.Order("created_at DESC").Order("rowid ASC").Scan(&rows).Error
	return rows, err
}

func containsID(rows []identityRow, id string) bool {
	for _, row := range rows {
		if row.ID == id {
			return true
		}
	}
	return false
}

func idsAfter(rows []identityRow) []string {
	if len(rows) < 2 {
		return nil
	}
	ids := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		ids = append(ids, row.ID)
	}
	return ids
}

func tagRecords(ev *nostr.Event) []TagRecord {
	var records []TagRecord
	for _, tag := range ev.Tags {
		if !kinds.Indexable(tag) {
			continue
		}
		records = append(records, TagRecord{EventID: ev.ID, Key: tag[0], Value: tag[1]})
	}
	return records
}

// deleteByIDs removes events with their tag rows. Search rows follow through
// the events_search_AD trigger.
func deleteByIDs(tx *gorm.DB, ids []string) (int64, error) {
	var removed int64
	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		if err := tx.Where("event_id IN ?", chunk).Delete(&TagRecord{}).Error; err != nil {
			return removed, fmt.Errorf("delete tags: %w", err)
		}
		result := tx.Where("id IN ?", chunk).Delete(&EventRecord{})
		if result.Error != nil {
			return removed, fmt.Errorf("delete events: %w", result.Error)
		}
		removed += result.RowsAffected
	}
	return removed, nil
}
