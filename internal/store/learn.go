package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const learnPromptColumns = `id, user, prompt, status, searches_remaining, announced_at, created_at`

func scanLearnPrompt(row interface{ Scan(...any) error }) (LearnPrompt, error) {
	var p LearnPrompt
	var announcedAt sql.NullTime
	err := row.Scan(&p.ID, &p.User, &p.Prompt, &p.Status, &p.SearchesRemaining,
		&announcedAt, &p.CreatedAt)
	if err != nil {
		return LearnPrompt{}, err
	}
	p.AnnouncedAt = timePtr(announcedAt)
	return p, nil
}

// CreateLearnPrompt starts a learn request with a search budget.
func (s *Store) CreateLearnPrompt(ctx context.Context, user, prompt string, searchBudget int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO learn_prompts (user, prompt, status, searches_remaining, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		user, prompt, LearnStatusActive, searchBudget, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert learn prompt: %w", err)
	}
	return res.LastInsertId()
}

// LearnPromptByID returns one learn prompt.
func (s *Store) LearnPromptByID(ctx context.Context, id int64) (*LearnPrompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+learnPromptColumns+` FROM learn_prompts WHERE id = ?`, id)
	p, err := scanLearnPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ActiveLearnPrompts returns prompts still consuming search budget,
// oldest first.
func (s *Store) ActiveLearnPrompts(ctx context.Context) ([]LearnPrompt, error) {
	return s.queryLearnPrompts(ctx,
		`SELECT `+learnPromptColumns+` FROM learn_prompts
		 WHERE status = ? ORDER BY created_at ASC`, LearnStatusActive)
}

// DecrementLearnSearches consumes one search from the budget, flipping
// status to completed when the counter reaches zero. The decrement and
// the status flip happen in one transaction.
func (s *Store) DecrementLearnSearches(ctx context.Context, id int64) (*LearnPrompt, error) {
	var result *LearnPrompt
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE learn_prompts
			 SET searches_remaining = MAX(0, searches_remaining - 1)
			 WHERE id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE learn_prompts SET status = ?
			 WHERE id = ? AND searches_remaining = 0 AND status = ?`,
			LearnStatusCompleted, id, LearnStatusActive); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx,
			`SELECT `+learnPromptColumns+` FROM learn_prompts WHERE id = ?`, id)
		p, err := scanLearnPrompt(row)
		if err != nil {
			return err
		}
		result = &p
		return nil
	})
	return result, err
}

// UnannouncedCompletedLearnPrompts returns completed prompts whose
// announcement has not been sent.
func (s *Store) UnannouncedCompletedLearnPrompts(ctx context.Context) ([]LearnPrompt, error) {
	return s.queryLearnPrompts(ctx,
		`SELECT `+learnPromptColumns+` FROM learn_prompts
		 WHERE status = ? AND announced_at IS NULL ORDER BY created_at ASC`,
		LearnStatusCompleted)
}

// MarkLearnPromptAnnounced stamps the announcement. Set once.
func (s *Store) MarkLearnPromptAnnounced(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE learn_prompts SET announced_at = ? WHERE id = ? AND announced_at IS NULL`,
		at, id)
	return err
}

// DeleteLearnPrompt removes a learn prompt. Its search logs and their
// facts cascade via foreign keys; entities left with no facts are then
// removed along with their engagements.
func (s *Store) DeleteLearnPrompt(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Collect entities whose facts came from this prompt's logs.
		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT f.entity_id FROM facts f
			 JOIN search_logs l ON f.source_search_log_id = l.id
			 WHERE l.learn_prompt_id = ?`, id)
		if err != nil {
			return err
		}
		var touched []int64
		for rows.Next() {
			var entityID int64
			if err := rows.Scan(&entityID); err != nil {
				_ = rows.Close()
				return err
			}
			touched = append(touched, entityID)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM learn_prompts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete learn prompt: %w", err)
		}

		// Entities emptied by the cascade go too.
		for _, entityID := range touched {
			row := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM facts WHERE entity_id = ?`, entityID)
			var remaining int
			if err := row.Scan(&remaining); err != nil {
				return err
			}
			if remaining == 0 {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM entities WHERE id = ?`, entityID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Store) queryLearnPrompts(ctx context.Context, query string, args ...any) ([]LearnPrompt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var prompts []LearnPrompt
	for rows.Next() {
		p, err := scanLearnPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}
