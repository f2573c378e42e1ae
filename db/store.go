package db

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/onnwee/stream-relay/crypto"
	"github.com/onnwee/stream-relay/dispatch"
)

// Store persists capture history in the captures table.
type Store struct {
	db *sql.DB
	// sealer encrypts source_url at rest; nil stores plaintext.
	sealer *crypto.Sealer
}

// NewStore wraps an open, migrated database. sealer may be nil.
func NewStore(db *sql.DB, sealer *crypto.Sealer) *Store { return &Store{db: db, sealer: sealer} }

// Placeholders shown in place of a source URL that cannot be decrypted.
const (
	sealedPlaceholder     = "[encrypted]"
	unreadablePlaceholder = "[unreadable]"
)

func (s *Store) sealURL(url string) (string, error) {
	sealed, err := s.sealer.Seal(url)
	if err != nil {
		return "", fmt.Errorf("seal source url: %w", err)
	}
	return sealed, nil
}

func (s *Store) openURL(stored string) string {
	url, err := s.sealer.Open(stored)
	switch {
	case err == nil:
		return url
	case errors.Is(err, crypto.ErrNoKey):
		return sealedPlaceholder
	default:
		return unreadablePlaceholder
	}
}

// RecordStart inserts the row for a job entering capture.
func (s *Store) RecordStart(ctx context.Context, info dispatch.JobInfo) error {
	url, err := s.sealURL(info.SourceURL)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO captures (id, chat_id, message_id, sender_id, source_url, state, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
		info.ID, info.ChatID, info.MessageID, info.SenderID, url, info.State, info.StartedAt)
	if err != nil {
		return fmt.Errorf("insert capture %s: %w", info.ID, err)
	}
	return nil
}

// RecordFinish stores the terminal state, inserting the row if the start was never recorded.
func (s *Store) RecordFinish(ctx context.Context, info dispatch.JobInfo) error {
	url, err := s.sealURL(info.SourceURL)
	if err != nil {
		return err
	}
	var finished any
	if !info.FinishedAt.IsZero() {
		finished = info.FinishedAt
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO captures (id, chat_id, message_id, sender_id, source_url, state, error_kind, error, parts, bytes, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			error_kind = EXCLUDED.error_kind,
			error = EXCLUDED.error,
			parts = EXCLUDED.parts,
			bytes = EXCLUDED.bytes,
			finished_at = EXCLUDED.finished_at,
			updated_at = NOW()`,
		info.ID, info.ChatID, info.MessageID, info.SenderID, url, info.State,
		info.ErrorKind, info.Error, info.Parts, info.Bytes, info.StartedAt, finished)
	if err != nil {
		return fmt.Errorf("update capture %s: %w", info.ID, err)
	}
	return nil
}

// Recent returns up to limit captures, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]dispatch.JobInfo, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectCaptures+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []dispatch.JobInfo
	for rows.Next() {
		info, err := s.scanCapture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// ExportCaptures writes every capture as CSV, oldest first, and returns the row count.
func (s *Store) ExportCaptures(ctx context.Context, w io.Writer) (int, error) {
	rows, err := s.db.QueryContext(ctx, selectCaptures+` ORDER BY started_at ASC`)
	if err != nil {
		return 0, fmt.Errorf("query captures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}
	n := 0
	for rows.Next() {
		info, err := s.scanCapture(rows)
		if err != nil {
			return n, err
		}
		if err := cw.Write(csvRecord(info)); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterate captures: %w", err)
	}
	cw.Flush()
	return n, cw.Error()
}

const selectCaptures = `SELECT id, chat_id, message_id, sender_id, source_url, state, error_kind, error, parts, bytes, started_at, finished_at FROM captures`

func (s *Store) scanCapture(rows *sql.Rows) (dispatch.JobInfo, error) {
	var (
		info     dispatch.JobInfo
		finished sql.NullTime
	)
	if err := rows.Scan(&info.ID, &info.ChatID, &info.MessageID, &info.SenderID, &info.SourceURL, &info.State,
		&info.ErrorKind, &info.Error, &info.Parts, &info.Bytes, &info.StartedAt, &finished); err != nil {
		return info, fmt.Errorf("scan capture: %w", err)
	}
	if finished.Valid {
		info.FinishedAt = finished.Time
	}
	info.SourceURL = s.openURL(info.SourceURL)
	return info, nil
}

var csvHeader = []string{"id", "chat_id", "message_id", "sender_id", "source_url", "state", "error_kind", "error", "parts", "bytes", "started_at", "finished_at"}

func csvRecord(info dispatch.JobInfo) []string {
	finished := ""
	if !info.FinishedAt.IsZero() {
		finished = info.FinishedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		info.ID,
		strconv.FormatInt(info.ChatID, 10),
		strconv.Itoa(info.MessageID),
		strconv.FormatInt(info.SenderID, 10),
		info.SourceURL,
		info.State,
		info.ErrorKind,
		info.Error,
		strconv.Itoa(info.Parts),
		strconv.FormatInt(info.Bytes, 10),
		info.StartedAt.UTC().Format(time.RFC3339),
		finished,
	}
}
