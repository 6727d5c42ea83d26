// Package catalog keeps a small sqlite table of finished recording sessions,
// one row per ufmf file.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"any2ufmf-go/internal/ufmf"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Session is one row of the sessions table.
type Session struct {
	ID               uuid.UUID
	Path             string
	Width            int
	Height           int
	FramesWritten    uint64
	KeyframesWritten uint64
	FramesDropped    uint64
	IndexLoc         int64
	Finalized        bool
	Started          time.Time
	Stopped          time.Time
	ErrText          string
}

// FromInfo converts a writer summary into a catalog row.
func FromInfo(info ufmf.Info) Session {
	s := Session{
		ID:               info.ID,
		Path:             info.Path,
		Width:            info.Width,
		Height:           info.Height,
		FramesWritten:    info.FramesWritten,
		KeyframesWritten: info.KeyframesWritten,
		FramesDropped:    info.FramesDropped,
		IndexLoc:         info.IndexLoc,
		Finalized:        info.Finalized,
		Started:          info.Started,
		Stopped:          info.Stopped,
	}
	if info.Err != nil {
		s.ErrText = info.Err.Error()
	}
	return s
}

type Catalog struct {
	db *sql.DB
}

// Open opens (or creates) the catalog database at path and brings its schema
// up to date.
func Open(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// m is not closed here; closing it would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[catalog] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Record inserts s, replacing any earlier row with the same ID.
func (c *Catalog) Record(ctx context.Context, s Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	finalized := 0
	if s.Finalized {
		finalized = 1
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (
			session_id, path, width, height,
			frames_written, keyframes_written, frames_dropped,
			index_loc, finalized, started_unix_ns, stopped_unix_ns, error_text
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.Path, s.Width, s.Height,
		int64(s.FramesWritten), int64(s.KeyframesWritten), int64(s.FramesDropped),
		s.IndexLoc, finalized, unixNano(s.Started), unixNano(s.Stopped), s.ErrText,
	)
	if err != nil {
		return fmt.Errorf("record session %s: %w", s.ID, err)
	}
	return nil
}

// List returns every session, newest first.
func (c *Catalog) List(ctx context.Context) ([]Session, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT session_id, path, width, height,
			frames_written, keyframes_written, frames_dropped,
			index_loc, finalized, started_unix_ns, stopped_unix_ns, error_text
		FROM sessions
		ORDER BY started_unix_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s                         Session
			id                        string
			written, keyframes, drops int64
			finalized                 int
			started, stopped          int64
		)
		if err := rows.Scan(&id, &s.Path, &s.Width, &s.Height,
			&written, &keyframes, &drops,
			&s.IndexLoc, &finalized, &started, &stopped, &s.ErrText); err != nil {
			return nil, err
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad session id %q: %w", id, err)
		}
		s.FramesWritten = uint64(written)
		s.KeyframesWritten = uint64(keyframes)
		s.FramesDropped = uint64(drops)
		s.Finalized = finalized != 0
		s.Started = fromUnixNano(started)
		s.Stopped = fromUnixNano(stopped)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
