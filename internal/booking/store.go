// Package booking persists meeting requests collected by the
// bookSalesMeeting tool so the sales team can follow up on them.
package booking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Request is a stored meeting request.
type Request struct {
	ID        int64
	ChatID    string
	Phone     string
	MeetingAt time.Time
	Status    string
	CreatedAt time.Time
}

// SQLiteStore is the meeting request ledger.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// BookMeeting records a meeting request and returns its id.
func (s *SQLiteStore) BookMeeting(ctx context.Context, chatID, phone string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO meeting_requests (chat_id, phone, meeting_at, created_at) VALUES (?, ?, ?, ?)`,
		chatID, phone, at.UTC().Format(time.RFC3339), s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("insert meeting request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("meeting request id: %w", err)
	}
	s.logger.Info("meeting requested", "id", id, "chat", chatID, "at", at.UTC().Format(time.RFC3339))
	return id, nil
}

// ListByChat returns a chat's requests ordered by meeting time.
func (s *SQLiteStore) ListByChat(ctx context.Context, chatID string) ([]Request, error) {
	return s.query(ctx,
		`SELECT id, chat_id, phone, meeting_at, status, created_at FROM meeting_requests
		 WHERE chat_id = ? ORDER BY meeting_at ASC`, chatID)
}

// ListUpcoming returns requests whose meeting time is at or after from.
func (s *SQLiteStore) ListUpcoming(ctx context.Context, from time.Time, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		`SELECT id, chat_id, phone, meeting_at, status, created_at FROM meeting_requests
		 WHERE meeting_at >= ? ORDER BY meeting_at ASC LIMIT ?`,
		from.UTC().Format(time.RFC3339), limit)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query meeting requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		var meetingAt, createdAt string
		if err := rows.Scan(&r.ID, &r.ChatID, &r.Phone, &meetingAt, &r.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan meeting request: %w", err)
		}
		r.MeetingAt, _ = time.Parse(time.RFC3339, meetingAt)
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
