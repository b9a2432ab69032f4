// Package history keeps a local record of finished transfers in sqlite.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Dyastin-0/lanshare/types"
)

//go:embed schema.sql
var schema string

const (
	Download = "download"
	Upload   = "upload"

	FileName = "history.db"
)

var ErrInvalidEntry = errors.New("invalid history entry")

type Entry struct {
	ID         string
	Filename   string
	Peer       string
	Direction  string
	Size       int64
	Status     types.TransferStatus
	Error      string
	SavePath   string
	StartedAt  time.Time
	FinishedAt time.Time
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// a second pooled connection to ":memory:" would see an empty database
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Record stores e, assigning an ID when it has none, and returns the ID.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if e.Filename == "" || (e.Direction != Download && e.Direction != Upload) {
		return "", ErrInvalidEntry
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.FinishedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (id, filename, peer, direction, size, status, error, save_path, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Filename, e.Peer, e.Direction, e.Size, string(e.Status), e.Error, e.SavePath,
		e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("recording transfer: %w", err)
	}

	return e.ID, nil
}

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, peer, direction, size, status, error, save_path, started_at, finished_at
		 FROM transfers ORDER BY finished_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			status            string
			started, finished int64
		)
		if err := rows.Scan(&e.ID, &e.Filename, &e.Peer, &e.Direction, &e.Size,
			&status, &e.Error, &e.SavePath, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		e.Status = types.TransferStatus(status)
		e.StartedAt = time.UnixMilli(started)
		e.FinishedAt = time.UnixMilli(finished)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
