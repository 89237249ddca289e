package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/relaycache/internal/kinds"
	"github.com/MarcoPoloResearchLab/relaycache/internal/search"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const createMigrationTable = `CREATE TABLE IF NOT EXISTS "__migration" (
	version INTEGER,
	migrated_at NUMERIC,
	CONSTRAINT "__migration_PK" PRIMARY KEY (version)
)`

type migrationRecord struct {
	Version    int   `gorm:"column:version;primaryKey"`
	MigratedAt int64 `gorm:"column:migrated_at;not null"`
}

func (migrationRecord) TableName() string {
	return "__migration"
}

type migrationDefinition struct {
	version int
	name    string
	apply   func(*gorm.DB) error
}

var schemaMigrations = []migrationDefinition{
	{version: 1, name: "events_and_tags", apply: migrateEventsAndTags},
	{version: 2, name: "author_indexes", apply: migrateAuthorIndexes},
	{version: 3, name: "search_content", apply: migrateSearchContent},
	{version: 4, name: "identity_column", apply: migrateIdentityColumn},
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(db *gorm.DB) (int, error) {
	var version int
	if err := db.Raw(`SELECT COALESCE(MAX(version), 0) FROM "__migration"`).Scan(&version).Error; err != nil {
		return 0, err
	}
	return version, nil
}

// AppliedVersions lists the migration versions recorded in the ledger.
func AppliedVersions(db *gorm.DB) ([]int, error) {
	var versions []int
	if err := db.Model(&migrationRecord{}).Order("version ASC").Pluck("version", &versions).Error; err != nil {
		return nil, err
	}
	return versions, nil
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	if err := db.Exec(createMigrationTable).Error; err != nil {
		return fmt.Errorf("database: create migration ledger: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return fmt.Errorf("database: read schema version: %w", err)
	}
	logger.Debug("starting migration", zap.Int("from_version", current))

	for _, migration := range migrations {
		if migration.version <= current {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Exec(`INSERT INTO "__migration" (version, migrated_at) VALUES (?, ?)`,
				migration.version, time.Now().UTC().Unix()).Error
		})
		if err != nil {
			return fmt.Errorf("database: migration v%d (%s): %w", migration.version, migration.name, err)
		}
		current = migration.version
		logger.Info("database migration applied",
			zap.Int("version", migration.version),
			zap.String("migration", migration.name))
	}
	return nil
}

func execAll(tx *gorm.DB, statements ...string) error {
	for _, statement := range statements {
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

func migrateEventsAndTags(tx *gorm.DB) error {
	return execAll(tx,
		`CREATE TABLE events (
			id TEXT(64) PRIMARY KEY,
			pubkey TEXT(64),
			created_at INTEGER,
			kind INTEGER,
			json TEXT
		)`,
		`CREATE TABLE tags (
			event_id TEXT(64),
			key TEXT,
			value TEXT,
			CONSTRAINT tags_FK FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX tags_key_IDX ON tags (key, value)`,
	)
}

func migrateAuthorIndexes(tx *gorm.DB) error {
	return execAll(tx,
		`CREATE INDEX pubkey_kind_IDX ON events (pubkey, kind)`,
		`CREATE INDEX pubkey_created_IDX ON events (pubkey, created_at)`,
	)
}

func migrateSearchContent(tx *gorm.DB) error {
	err := execAll(tx,
		`CREATE VIRTUAL TABLE search_content USING fts5(id UNINDEXED, content)`,
		`CREATE TRIGGER events_search_AD AFTER DELETE ON events BEGIN
			DELETE FROM search_content WHERE id = old.id;
		END`,
	)
	if err != nil {
		return err
	}

	var payloads []string
	if err := tx.Raw(`SELECT json FROM events WHERE kind IN (?, ?)`, kinds.ProfileMetadata, kinds.TextNote).
		Scan(&payloads).Error; err != nil {
		return err
	}
	for _, payload := range payloads {
		var ev nostr.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		document, ok, err := search.Document(ev.Kind, ev.Content)
		if err != nil || !ok {
			continue
		}
		if err := tx.Exec(`INSERT INTO search_content (id, content) VALUES (?, ?)`, ev.ID, document).Error; err != nil {
			return err
		}
	}
	return nil
}

func migrateIdentityColumn(tx *gorm.DB) error {
	err := execAll(tx,
		`ALTER TABLE events ADD COLUMN d_tag TEXT`,
		`CREATE INDEX events_identity_IDX ON events (kind, pubkey, d_tag)`,
		`CREATE INDEX tags_event_IDX ON tags (event_id)`,
	)
	if err != nil {
		return err
	}

	type storedEvent struct {
		ID   string `gorm:"column:id"`
		JSON string `gorm:"column:json"`
	}
	var rows []storedEvent
	if err := tx.Raw(`SELECT id, json FROM events WHERE kind >= ? AND kind < ?`, 30000, 40000).
		Scan(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		var ev nostr.Event
		if err := json.Unmarshal([]byte(row.JSON), &ev); err != nil {
			continue
		}
		if err := tx.Exec(`UPDATE events SET d_tag = ? WHERE id = ?`, kinds.DTag(ev.Tags), row.ID).Error; err != nil {
			return err
		}
	}
	return nil
}
