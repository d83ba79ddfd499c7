package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const searchLogColumns = `id, user, query, response, trigger_source, learn_prompt_id, extracted, created_at`

func scanSearchLog(row interface{ Scan(...any) error }) (SearchLog, error) {
	var l SearchLog
	var learnPromptID sql.NullInt64
	err := row.Scan(&l.ID, &l.User, &l.Query, &l.Response, &l.Trigger,
		&learnPromptID, &l.Extracted, &l.CreatedAt)
	if err != nil {
		return SearchLog{}, err
	}
	l.LearnPromptID = idPtr(learnPromptID)
	return l, nil
}

// CreateSearchLog records an external search and its response.
func (s *Store) CreateSearchLog(ctx context.Context, l SearchLog) (int64, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO search_logs (user, query, response, trigger_source, learn_prompt_id, extracted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.User, l.Query, l.Response, l.Trigger, nullableID(l.LearnPromptID), l.Extracted, l.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert search log: %w", err)
	}
	return res.LastInsertId()
}

// UnextractedSearchLogs returns logs awaiting extraction, newest first.
func (s *Store) UnextractedSearchLogs(ctx context.Context, limit int) ([]SearchLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+searchLogColumns+` FROM search_logs
		 WHERE extracted = 0 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var logs []SearchLog
	for rows.Next() {
		l, err := scanSearchLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// MarkSearchLogExtracted flips extracted to true. One-way; a log is
// never reprocessed.
func (s *Store) MarkSearchLogExtracted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE search_logs SET extracted = 1 WHERE id = ?`, id)
	return err
}

// SearchLogsForLearnPrompt returns all logs created for a learn prompt.
func (s *Store) SearchLogsForLearnPrompt(ctx context.Context, learnPromptID int64) ([]SearchLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+searchLogColumns+` FROM search_logs
		 WHERE learn_prompt_id = ? ORDER BY created_at ASC`, learnPromptID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var logs []SearchLog
	for rows.Next() {
		l, err := scanSearchLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AllSearchLogsExtracted reports whether every log of a learn prompt
// has been through extraction.
func (s *Store) AllSearchLogsExtracted(ctx context.Context, learnPromptID int64) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM search_logs WHERE learn_prompt_id = ? AND extracted = 0`,
		learnPromptID)
	var pending int
	if err := row.Scan(&pending); err != nil {
		return false, err
	}
	return pending == 0, nil
}
