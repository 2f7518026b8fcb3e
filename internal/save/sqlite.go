package save

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added version column on saves
const currentSchemaVersion = 1

const lastProfileKey = "last_profile_id"

// ErrNotFound is returned when no save exists for a profile id.
var ErrNotFound = errors.New("save not found")

// Store provides durable storage for game saves.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// Summary describes a stored save without decoding its payload.
type Summary struct {
	ProfileID string
	Version   string
	SavedAt   time.Time
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put writes a save, replacing any existing save for the same profile, and
// records the profile as the last selected one.
func (s *Store) Put(ctx context.Context, sg *SaveGame) error {
	if sg.ProfileID == "" {
		return fmt.Errorf("put save: empty profile id")
	}
	payload, err := json.Marshal(sg)
	if err != nil {
		return fmt.Errorf("put save: encode: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put save: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO saves (profile_id, version, payload, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			saved_at = excluded.saved_at
	`,
		sg.ProfileID,
		sg.Version,
		string(payload),
		sg.SavedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put save: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, lastProfileKey, sg.ProfileID)
	if err != nil {
		return fmt.Errorf("put save: record last profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put save: commit: %w", err)
	}
	return nil
}

// LoadRaw returns the stored blob for a profile without migrating it.
func (s *Store) LoadRaw(ctx context.Context, profileID string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM saves WHERE profile_id = ?`, profileID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load save %q: %w", profileID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load save %q: %w", profileID, err)
	}
	return []byte(payload), nil
}

// Load returns the save for a profile, migrated to the current schema
// version. When migration steps were applied, the upgraded blob is written
// back so the next load takes the identity fast path. Returns the labels of
// applied migrations.
func (s *Store) Load(ctx context.Context, profileID string) (*SaveGame, []string, error) {
	raw, err := s.LoadRaw(ctx, profileID)
	if err != nil {
		return nil, nil, err
	}

	sg, applied, err := UpgradeToLatest(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("load save %q: %w", profileID, err)
	}

	if len(applied) > 0 {
		if err := s.Put(ctx, sg); err != nil {
			return nil, nil, fmt.Errorf("load save %q: persist migrated save: %w", profileID, err)
		}
	}
	return sg, applied, nil
}

// Delete removes a profile's save. Clears the last-profile pointer when it
// referenced the deleted profile. Deleting a missing save is not an error.
func (s *Store) Delete(ctx context.Context, profileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete save: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM saves WHERE profile_id = ?`, profileID,
	); err != nil {
		return fmt.Errorf("delete save: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM meta WHERE key = ? AND value = ?`, lastProfileKey, profileID,
	); err != nil {
		return fmt.Errorf("delete save: clear last profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete save: commit: %w", err)
	}
	return nil
}

// LastProfile returns the most recently saved profile id, if any.
func (s *Store) LastProfile(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, lastProfileKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("last profile: %w", err)
	}
	return id, true, nil
}

// List returns summaries of all stored saves, most recent first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_id, version, saved_at
		FROM saves
		ORDER BY saved_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list saves: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var savedAt string
		if err := rows.Scan(&sum.ProfileID, &sum.Version, &savedAt); err != nil {
			return nil, fmt.Errorf("list saves: scan: %w", err)
		}
		sum.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt)
		if err != nil {
			return nil, fmt.Errorf("list saves: parse saved_at: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list saves: %w", err)
	}
	return out, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// Databases created before the version column existed get it added
	// here; the CREATE TABLE above already includes it for new databases.
	if version < 1 {
		_, err := db.Exec(`ALTER TABLE saves ADD COLUMN version TEXT NOT NULL DEFAULT ''`)
		if err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}
