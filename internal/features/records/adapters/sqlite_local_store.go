package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"content-sync/internal/core/logger"
	"content-sync/internal/features/records/domain"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	last_synced_at TEXT NOT NULL,
	sync_source TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
`

// SQLiteLocalStore implements ports.LocalStore with one SQLite file per engine
// instance. Each write is a single transaction, so writes are atomic per id.
type SQLiteLocalStore struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *zap.Logger
}

// NewSQLiteLocalStore opens (or creates) <dir>/<instance>.db.
func NewSQLiteLocalStore(dir, instance string) (*SQLiteLocalStore, error) {
	if instance == "" {
		instance = "default"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create local store directory: %w", err)
	}
	path := filepath.Join(dir, instance+".db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteLocalStore{
		db:     db,
		path:   path,
		now:    time.Now,
		logger: logger.Named("local_store"),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteLocalStore) initialize() error {
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		s.logger.Debug("Failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := s.db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		s.logger.Debug("Failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	if _, err := s.db.Exec(recordsSchema); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

// Path returns the database file backing the store.
func (s *SQLiteLocalStore) Path() string {
	return s.path
}

// Write applies rec under last-write-wins and reports whether the stored value
// changed. A record with the same updatedAt as the stored one only refreshes
// lastSyncedAt, and upgrades the source when the confirming write is remote.
func (s *SQLiteLocalStore) Write(ctx context.Context, rec domain.Record, source domain.SyncSource) (bool, error) {
	if rec == nil {
		return false, domain.ErrNilRecord
	}
	if rec.RecordID() == "" {
		return false, domain.ErrMissingID
	}

	data, err := domain.Encode(rec)
	if err != nil {
		return false, err
	}
	syncedAt := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("local store: begin: %w", err)
	}
	defer tx.Rollback()

	var (
		storedData   string
		storedSource string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT data, sync_source FROM records WHERE id = ?", rec.RecordID(),
	).Scan(&storedData, &storedSource)

	applied := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		applied = true
	case err != nil:
		return false, fmt.Errorf("local store: read %s: %w", rec.RecordID(), err)
	default:
		current, decodeErr := domain.Decode([]byte(storedData))
		if decodeErr != nil {
			// A row that cannot be decoded is replaced rather than blocking the id forever.
			s.logger.Warn("Replacing undecodable local record", zap.String("id", rec.RecordID()), zap.Error(decodeErr))
			applied = true
			break
		}
		if domain.Newer(rec, current) {
			applied = true
			break
		}
		if !rec.LastUpdated().Equal(current.LastUpdated()) {
			return false, nil
		}
		if storedSource == string(domain.SourceRemote) {
			source = domain.SourceRemote
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE records SET last_synced_at = ?, sync_source = ? WHERE id = ?",
			syncedAt, string(source), rec.RecordID(),
		); err != nil {
			return false, fmt.Errorf("local store: touch %s: %w", rec.RecordID(), err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("local store: commit: %w", err)
		}
		return false, nil
	}

	if applied {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (id, kind, data, updated_at, last_synced_at, sync_source)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				data = excluded.data,
				updated_at = excluded.updated_at,
				last_synced_at = excluded.last_synced_at,
				sync_source = excluded.sync_source`,
			rec.RecordID(), string(rec.RecordKind()), string(data),
			rec.LastUpdated().UnixNano(), syncedAt, string(source),
		); err != nil {
			return false, fmt.Errorf("local store: write %s: %w", rec.RecordID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("local store: commit: %w", err)
	}
	return applied, nil
}

// Read returns the stored record for id, or nil when there is none.
func (s *SQLiteLocalStore) Read(ctx context.Context, id string) (*domain.StoredRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT data, last_synced_at, sync_source FROM records WHERE id = ?", id)

	stored, err := scanStored(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local store: read %s: %w", id, err)
	}
	return stored, nil
}

// List returns every stored record ordered by kind and id.
func (s *SQLiteLocalStore) List(ctx context.Context) ([]domain.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data, last_synced_at, sync_source FROM records ORDER BY kind, id")
	if err != nil {
		return nil, fmt.Errorf("local store: list: %w", err)
	}
	defer rows.Close()

	var out []domain.StoredRecord
	for rows.Next() {
		stored, err := scanStored(rows)
		if err != nil {
			s.logger.Warn("Skipping undecodable local record", zap.Error(err))
			continue
		}
		out = append(out, *stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("local store: list: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteLocalStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStored(row rowScanner) (*domain.StoredRecord, error) {
	var data, syncedAt, source string
	if err := row.Scan(&data, &syncedAt, &source); err != nil {
		return nil, err
	}
	rec, err := domain.Decode([]byte(data))
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, syncedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid last_synced_at %q: %w", syncedAt, err)
	}
	return &domain.StoredRecord{
		Record:       rec,
		LastSyncedAt: ts,
		SyncSource:   domain.SyncSource(source),
	}, nil
}
