// Package events is the embedded relay cache: it persists signed events,
// enforces replaceable semantics, answers filters and announces accepted
// writes to subscribers.
package events

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MarcoPoloResearchLab/relaycache/internal/database"
	"github.com/MarcoPoloResearchLab/relaycache/internal/query"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	Logger        *zap.Logger
	SeenCacheSize int
	Clock         func() time.Time
}

// Store is the relay cache facade. Operations share the read side of mu;
// Init, Close and Dump swap the database handle under the write side.
type Store struct {
	mu     sync.RWMutex
	db     *gorm.DB
	path   string
	logger *zap.Logger
	clock  func() time.Time
	seen   *seenCache
	notify *dispatcher
}

// NewStore constructs an unopened store.
func NewStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	seen, err := newSeenCache(cfg.SeenCacheSize)
	if err != nil {
		return nil, newStoreError(opStoreNew, "seen_cache_failed", err)
	}
	return &Store{
		logger: logger,
		clock:  clock,
		seen:   seen,
		notify: newDispatcher(),
	}, nil
}

// Init opens the database at path and migrates it. Calling Init again with
// the same path is a no-op.
func (s *Store) Init(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if s.path == path {
			return nil
		}
		return newStoreError(opInit, "already_open", ErrAlreadyOpen)
	}
	db, err := database.OpenSQLite(path, s.logger)
	if err != nil {
		s.logError(opInit, "open_failed", err, zap.String("path", path))
		return newStoreError(opInit, "open_failed", err)
	}
	s.db = db
	s.path = path
	return nil
}

// Close releases the database. Closing a closed store is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := database.Close(s.db)
	s.db = nil
	if err != nil {
		s.logError(opClose, "close_failed", err)
		return newStoreError(opClose, "close_failed", err)
	}
	return nil
}

// Path returns the path passed to the last successful Init.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// Event stores a single event and reports whether it was accepted.
func (s *Store) Event(ctx context.Context, ev *nostr.Event) (bool, error) {
	return s.EventBatch(ctx, []*nostr.Event{ev})
}

// EventBatch stores events atomically. Accepted events are announced in one
// notification after commit. A storage failure rolls back the whole batch.
func (s *Store) EventBatch(ctx context.Context, evs []*nostr.Event) (bool, error) {
	outcomes, err := s.ingest(ctx, evs)
	if err != nil {
		return false, err
	}
	for _, outcome := range outcomes {
		if outcome.Accepted() {
			return true, nil
		}
	}
	return false, nil
}

// ingest resolves every event inside one transaction and returns one outcome
// per input, nil entries resolving as RejectedSeen.
func (s *Store) ingest(ctx context.Context, evs []*nostr.Event) ([]Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, newStoreError(opInsert, "not_initialized", ErrNotInitialized)
	}

	var (
		outcomes []Outcome
		accepted []*nostr.Event
		pending  map[string]struct{}
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outcomes = make([]Outcome, 0, len(evs))
		accepted = accepted[:0]
		pending = make(map[string]struct{}, len(evs))
		for _, ev := range evs {
			if ev == nil {
				outcomes = append(outcomes, RejectedSeen)
				continue
			}
			outcome, err := s.resolveInsert(tx, ev, pending)
			if err != nil {
				return err
			}
			pending[ev.ID] = struct{}{}
			outcomes = append(outcomes, outcome)
			if outcome.Accepted() {
				accepted = append(accepted, ev)
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opInsert, "transaction_failed", err, zap.Int("batch_size", len(evs)))
		return nil, err
	}

	for id := range pending {
		s.seen.Mark(id)
	}
	if len(accepted) > 0 {
		s.notify.Publish(Notification{
			Type:      NotificationEvent,
			Events:    accepted,
			Timestamp: s.clock().UTC(),
		})
	}
	return outcomes, nil
}

// Query returns the events matching filter.
func (s *Store) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, newStoreError(opQuery, "not_initialized", ErrNotInitialized)
	}

	statement, args, err := query.Compile(query.Build(filter), query.Rows)
	if err != nil {
		return nil, newStoreError(opQuery, "compile_failed", err)
	}
	var payloads []string
	if err := s.db.WithContext(ctx).Raw(statement, args...).Scan(&payloads).Error; err != nil {
		return nil, newStoreError(opQuery, "select_failed", err)
	}

	result := make([]*nostr.Event, 0, len(payloads))
	for _, payload := range payloads {
		var ev nostr.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.logger.Warn("stored event not decodable", zap.Error(err))
			continue
		}
		result = append(result, &ev)
	}
	return result, nil
}

// Req answers a subscription request. Failures are logged and yield an empty
// result.
func (s *Store) Req(ctx context.Context, requestID string, filter nostr.Filter) []*nostr.Event {
	result, err := s.Query(ctx, filter)
	if err != nil {
		s.logError(opQuery, "request_failed", err, zap.String("request_id", requestID))
		return []*nostr.Event{}
	}
	return result
}

// CountEvents returns the number of events matching filter. Limit is ignored.
func (s *Store) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, newStoreError(opCount, "not_initialized", ErrNotInitialized)
	}

	statement, args, err := query.Compile(query.Build(filter), query.Count)
	if err != nil {
		return 0, newStoreError(opCount, "compile_failed", err)
	}
	var total int64
	if err := s.db.WithContext(ctx).Raw(statement, args...).Scan(&total).Error; err != nil {
		return 0, newStoreError(opCount, "select_failed", err)
	}
	return total, nil
}

// Count is CountEvents with failures reported as zero.
func (s *Store) Count(ctx context.Context, filter nostr.Filter) int64 {
	total, err := s.CountEvents(ctx, filter)
	if err != nil {
		s.logError(opCount, "count_failed", err)
		return 0
	}
	return total
}

// SQL runs a raw read statement and returns its rows as positional values.
// Text columns come back as strings. Only SELECT and WITH statements are
// accepted, and they run on a connection switched to query_only so that a
// statement which still tries to write fails inside SQLite.
func (s *Store) SQL(ctx context.Context, raw string, params ...any) ([][]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, newStoreError(opSQL, "not_initialized", ErrNotInitialized)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, newStoreError(opSQL, "empty_statement", nil)
	}
	if !readStatement(raw) {
		return nil, newStoreError(opSQL, "write_rejected", ErrWriteStatement)
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, newStoreError(opSQL, "connection_failed", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, newStoreError(opSQL, "connection_failed", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = 1"); err != nil {
		return nil, newStoreError(opSQL, "query_only_failed", err)
	}
	defer s.restoreWrites(conn)

	return readRows(ctx, conn, raw, params)
}

// readStatement reports whether raw starts with a SELECT or WITH keyword.
func readStatement(raw string) bool {
	trimmed := strings.TrimLeftFunc(raw, unicode.IsSpace)
	end := strings.IndexFunc(trimmed, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(trimmed)
	}
	switch strings.ToUpper(trimmed[:end]) {
	case "SELECT", "WITH":
		return true
	default:
		return false
	}
}

// restoreWrites clears query_only before conn returns to the pool. A
// connection that cannot be restored is discarded.
func (s *Store) restoreWrites(conn *sql.Conn) {
	_, err := conn.ExecContext(context.Background(), "PRAGMA query_only = 0")
	if err == nil {
		return
	}
	s.logError(opSQL, "query_only_reset_failed", err)
	_ = conn.Raw(func(any) error {
		return driver.ErrBadConn
	})
}

func readRows(ctx context.Context, conn *sql.Conn, raw string, params []any) ([][]any, error) {
	rows, err := conn.QueryContext(ctx, raw, params...)
	if err != nil {
		return nil, newStoreError(opSQL, "statement_failed", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, newStoreError(opSQL, "columns_failed", err)
	}
	result := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for index := range values {
			targets[index] = &values[index]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, newStoreError(opSQL, "scan_failed", err)
		}
		for index, value := range values {
			if bytes, ok := value.([]byte); ok {
				values[index] = string(bytes)
			}
		}
		result = append(result, values)
	}
	if err := rows.Err(); err != nil {
		return nil, newStoreError(opSQL, "rows_failed", err)
	}
	return result, nil
}

// Summary returns the number of stored events per kind, keyed by the decimal
// kind. Failures yield an empty map.
func (s *Store) Summary(ctx context.Context) map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary := make(map[string]int64)
	if s.db == nil {
		s.logError(opSummary, "not_initialized", ErrNotInitialized)
		return summary
	}

	var rows []kindTotal
	if err := s.db.WithContext(ctx).
		Raw(`SELECT kind, COUNT(*) AS total FROM events GROUP BY kind`).
		Scan(&rows).Error; err != nil {
		s.logError(opSummary, "select_failed", err)
		return summary
	}
	for _, row := range rows {
		summary[strconv.Itoa(row.Kind)] = row.Total
	}
	return summary
}

type kindTotal struct {
	Kind  int   `gorm:"column:kind"`
	Total int64 `gorm:"column:total"`
}

// Delete removes events by id together with their tag and search rows.
func (s *Store) Delete(ctx context.Context, ids ...string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, newStoreError(opDelete, "not_initialized", ErrNotInitialized)
	}

	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		removed, err = deleteByIDs(tx, ids)
		return err
	})
	if err != nil {
		s.logError(opDelete, "delete_failed", err, zap.Int("ids", len(ids)))
		return 0, newStoreError(opDelete, "delete_failed", err)
	}
	return removed, nil
}

// Dump exports the database file. The store is closed for the read and
// reopened at the same path afterwards, whatever the read's result. In-memory
// databases have no file and yield an empty slice, as does any failure.
func (s *Store) Dump() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		s.logError(opDump, "not_initialized", ErrNotInitialized)
		return []byte{}
	}
	if database.IsMemory(s.path) {
		s.logger.Warn("in-memory database cannot be exported", zap.String("path", s.path))
		return []byte{}
	}

	path := s.path
	if err := database.Close(s.db); err != nil {
		s.logError(opDump, "close_failed", err)
	}
	s.db = nil
	defer func() {
		db, err := database.OpenSQLite(path, s.logger)
		if err != nil {
			s.logError(opDump, "reopen_failed", err, zap.String("path", path))
			return
		}
		s.db = db
	}()

	contents, err := os.ReadFile(database.FilePath(path))
	if err != nil {
		s.logError(opDump, "read_failed", err, zap.String("path", path))
		return []byte{}
	}
	return contents
}

// Subscribe streams notifications of accepted writes until ctx ends or the
// returned cleanup runs. Slow subscribers miss notifications.
func (s *Store) Subscribe(ctx context.Context, buffer int) (<-chan Notification, func()) {
	return s.notify.Subscribe(ctx, buffer)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("event store error", attrs...)
}
