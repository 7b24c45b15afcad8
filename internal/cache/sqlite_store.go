package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// SQLiteStore keeps records in a single SQLite database file.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string, log *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}

	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time keeps the upsert free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	log.Info("sqlite cache initialized", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var (
		rec               Record
		modified, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT body, etag, modified, expires FROM resources WHERE url = ?`, key,
	).Scan(&rec.Body, &rec.ETag, &modified, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		s.log.Error("sqlite cache get failed", zap.String("url", key), zap.Error(err))
		return Record{}, false, fmt.Errorf("sqlite get: %w", err)
	}
	rec.Modified = fromMillis(modified)
	rec.Expires = fromMillis(expires)
	return rec, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, rec Record) error {
	body := rec.Body
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (url, body, etag, modified, expires)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
		   body = excluded.body,
		   etag = excluded.etag,
		   modified = excluded.modified,
		   expires = excluded.expires`,
		key, body, rec.ETag, toMillis(rec.Modified), toMillis(rec.Expires),
	)
	if err != nil {
		s.log.Error("sqlite cache set failed", zap.String("url", key), zap.Error(err))
		return fmt.Errorf("sqlite set: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources`); err != nil {
		return fmt.Errorf("sqlite clear: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
