package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/automerge/automerge-go"
	_ "github.com/mattn/go-sqlite3"
)

const snapshotKey = "snapshot"

// DefaultMaxHistory bounds the number of saves kept per document.
const DefaultMaxHistory = 256

// SQLite stores every document as an automerge doc whose "snapshot" key holds the latest
// snapshot. Each save that changes the snapshot becomes one change in the doc, so recent save
// history stays available through History.
type SQLite struct {
	database *sql.DB
	// MaxHistory is the number of changes a document may reach before the next save restarts
	// its history from that save alone. Every change holds a full snapshot, so this caps the
	// stored size at roughly MaxHistory snapshots. Zero or less keeps everything.
	MaxHistory int
}

func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	slog.Info("Opening database", "dsn", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; serializing here avoids SQLITE_BUSY on concurrent saves
	db.SetMaxOpenConns(1)
	s := &SQLite{database: db, MaxHistory: DefaultMaxHistory}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	slog.Info("Ensured initial tables exist")
	return nil
}

// History returns the automerge doc holding every saved snapshot of id.
func (s *SQLite) History(ctx context.Context, id string) (*automerge.Doc, error) {
	return loadHistory(ctx, s.database, id)
}

func (s *SQLite) Load(ctx context.Context, id string) ([]byte, error) {
	doc, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return HistorySnapshot(doc)
}

func (s *SQLite) Save(ctx context.Context, id string, snapshot []byte) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()

	doc, err := loadHistory(ctx, tx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		doc = automerge.New()
	case err != nil:
		return err
	default:
		if current, err := HistorySnapshot(doc); err == nil && bytes.Equal(current, snapshot) {
			return nil
		}
		if s.MaxHistory > 0 {
			changes, err := doc.Changes()
			if err != nil {
				return fmt.Errorf("failed to read history: %w", err)
			}
			if len(changes) >= s.MaxHistory {
				slog.Info("compacting save history", "document", id, "changes", len(changes))
				doc = automerge.New()
			}
		}
	}

	// the set is auto committed as a single change when the doc is saved
	if err := doc.Path(snapshotKey).Set(string(snapshot)); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, content) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET content = excluded.content`,
		id, base64.StdEncoding.EncodeToString(doc.Save()),
	); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.database.Close()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func loadHistory(ctx context.Context, q queryRower, id string) (*automerge.Doc, error) {
	var rawContent string
	if err := q.QueryRowContext(ctx, `SELECT content FROM documents WHERE id = ?`, id).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	doc, err := automerge.Load(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, nil
}

// HistorySnapshot reads the snapshot held by a history doc, or by a fork of it.
func HistorySnapshot(doc *automerge.Doc) ([]byte, error) {
	value, err := doc.Path(snapshotKey).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	raw, ok := value.Interface().(string)
	if !ok {
		return nil, fmt.Errorf("%w: history has no snapshot", ErrNotFound)
	}
	return []byte(raw), nil
}
