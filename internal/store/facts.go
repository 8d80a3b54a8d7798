package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	perrors "github.com/p-blackswan/factbot/internal/errors"
)

// Fact review states.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
)

// MaxFactLength bounds submitted fact text, in runes.
const MaxFactLength = 500

// DefaultAuthor is recorded when a submission carries no author.
const DefaultAuthor = "anonymous"

// Fact is one row of the facts table.
type Fact struct {
	ID         int64      `json:"id"`
	Text       string     `json:"text"`
	Author     string     `json:"author"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	IP         string     `json:"-"`
	ReviewedBy string     `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
}

// Submission is a new, unreviewed fact.
type Submission struct {
	Text   string
	Author string
	IP     string
}

// Counts summarizes the table by status.
type Counts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
}

// RandomFact returns one approved fact chosen uniformly at random. ok is
// false when no fact is approved. Database failures wrap ErrStorage.
func (s *Store) RandomFact(ctx context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT text FROM facts WHERE status = ? ORDER BY RANDOM() LIMIT 1`, StatusApproved,
	).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: random fact: %v", perrors.ErrStorage, err)
	}
	return text, true, nil
}

// ValidateText normalizes and checks fact text.
func ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: fact text is empty", perrors.ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxFactLength {
		return "", fmt.Errorf("%w: fact text exceeds %d characters", perrors.ErrInvalidInput, MaxFactLength)
	}
	if strings.ContainsAny(text, "\r\n") {
		return "", fmt.Errorf("%w: fact text must be a single line", perrors.ErrInvalidInput)
	}
	return text, nil
}

// Submit stores a pending fact.
func (s *Store) Submit(ctx context.Context, sub Submission) (*Fact, error) {
	text, err := ValidateText(sub.Text)
	if err != nil {
		return nil, err
	}
	author := strings.TrimSpace(sub.Author)
	if author == "" {
		author = DefaultAuthor
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO facts (text, author, status, ip) VALUES (?, ?, ?, ?)`,
		text, author, StatusPending, sql.NullString{String: sub.IP, Valid: sub.IP != ""},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save fact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read fact id: %w", err)
	}

	s.logger.Info().Int64("fact_id", id).Str("author", author).Msg("fact submitted")
	return s.get(ctx, id)
}

// Approve marks a fact approved. Approving an approved fact is a no-op
// apart from refreshing the reviewer.
func (s *Store) Approve(ctx context.Context, id int64, reviewer string) (*Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET status = ?, reviewed_by = ?, reviewed_at = ? WHERE id = ?`,
		StatusApproved, reviewer, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to approve fact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("fact %d: %w", id, perrors.ErrNotFound)
	}

	s.logger.Info().Int64("fact_id", id).Str("reviewer", reviewer).Msg("fact approved")
	return s.get(ctx, id)
}

// Deny deletes a fact. Denied submissions are not kept.
func (s *Store) Deny(ctx context.Context, id int64, reviewer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deny fact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fact %d: %w", id, perrors.ErrNotFound)
	}

	s.logger.Info().Int64("fact_id", id).Str("reviewer", reviewer).Msg("fact denied")
	return nil
}

// Get returns a fact by ID.
func (s *Store) Get(ctx context.Context, id int64) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id int64) (*Fact, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, text, author, status, timestamp, ip, reviewed_by, reviewed_at
	FROM facts WHERE id = ?`, id)

	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %d: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return f, nil
}

// Pending lists facts awaiting review, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, text, author, status, timestamp, ip, reviewed_by, reviewed_at
	FROM facts WHERE status = ? ORDER BY id ASC LIMIT ?`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, *f)
	}
	return facts, rows.Err()
}

// Counts returns the number of pending and approved facts.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Counts
	err := s.db.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
	FROM facts`, StatusPending, StatusApproved).Scan(&c.Pending, &c.Approved)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count facts: %w", err)
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFact(sc scanner) (*Fact, error) {
	var (
		f          Fact
		author     sql.NullString
		status     sql.NullString
		created    any
		ip         sql.NullString
		reviewedBy sql.NullString
		reviewedAt sql.NullInt64
	)
	if err := sc.Scan(&f.ID, &f.Text, &author, &status, &created, &ip, &reviewedBy, &reviewedAt); err != nil {
		return nil, err
	}
	f.Author = author.String
	f.Status = status.String
	if f.Status == "" {
		f.Status = StatusPending
	}
	f.CreatedAt = parseTimestamp(created)
	f.IP = ip.String
	f.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := time.UnixMilli(reviewedAt.Int64).UTC()
		f.ReviewedAt = &t
	}
	return &f, nil
}

// parseTimestamp accepts what SQLite hands back for a DATETIME default:
// either a decoded time or the CURRENT_TIMESTAMP text form.
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseTimestampString(t)
	case []byte:
		return parseTimestampString(string(t))
	case int64:
		return time.Unix(t, 0).UTC()
	}
	return time.Time{}
}

func parseTimestampString(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
