package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const followPromptColumns = `id, user, topic, query_terms, cron_expr, timezone, active, last_polled_at, last_notified_at, created_at`

func scanFollowPrompt(row interface{ Scan(...any) error }) (FollowPrompt, error) {
	var p FollowPrompt
	var terms string
	var polledAt, notifiedAt sql.NullTime
	err := row.Scan(&p.ID, &p.User, &p.Topic, &terms, &p.CronExpr, &p.Timezone,
		&p.Active, &polledAt, &notifiedAt, &p.CreatedAt)
	if err != nil {
		return FollowPrompt{}, err
	}
	if err := json.Unmarshal([]byte(terms), &p.QueryTerms); err != nil {
		return FollowPrompt{}, fmt.Errorf("decode query terms: %w", err)
	}
	p.LastPolledAt = timePtr(polledAt)
	p.LastNotifiedAt = timePtr(notifiedAt)
	return p, nil
}

// CreateFollowPrompt inserts a news subscription. New subscriptions
// always start active; DeactivateFollowPrompt is the only off switch.
func (s *Store) CreateFollowPrompt(ctx context.Context, p FollowPrompt) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	terms, err := json.Marshal(p.QueryTerms)
	if err != nil {
		return 0, fmt.Errorf("encode query terms: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO follow_prompts (user, topic, query_terms, cron_expr, timezone, active, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)`,
		p.User, p.Topic, string(terms), p.CronExpr, p.Timezone, p.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert follow prompt: %w", err)
	}
	return res.LastInsertId()
}

// ActiveFollowPrompts returns active subscriptions, stalest poll first.
func (s *Store) ActiveFollowPrompts(ctx context.Context) ([]FollowPrompt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+followPromptColumns+` FROM follow_prompts
		 WHERE active = 1
		 ORDER BY last_polled_at IS NOT NULL, last_polled_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var prompts []FollowPrompt
	for rows.Next() {
		p, err := scanFollowPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// FollowPromptByID returns one subscription.
func (s *Store) FollowPromptByID(ctx context.Context, id int64) (*FollowPrompt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+followPromptColumns+` FROM follow_prompts WHERE id = ?`, id)
	p, err := scanFollowPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetFollowPromptPolled stamps last_polled_at.
func (s *Store) SetFollowPromptPolled(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE follow_prompts SET last_polled_at = ? WHERE id = ?`, at, id)
	return err
}

// SetFollowPromptNotified stamps last_notified_at.
func (s *Store) SetFollowPromptNotified(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE follow_prompts SET last_notified_at = ? WHERE id = ?`, at, id)
	return err
}

// DeactivateFollowPrompt turns a subscription off without deleting its
// event history.
func (s *Store) DeactivateFollowPrompt(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE follow_prompts SET active = 0 WHERE id = ?`, id)
	return err
}

const eventColumns = `id, user, headline, summary, occurred_at, source_url, external_id, embedding, notified_at, follow_prompt_id, created_at`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var e Event
	var embedding []byte
	var notifiedAt sql.NullTime
	err := row.Scan(&e.ID, &e.User, &e.Headline, &e.Summary, &e.OccurredAt,
		&e.SourceURL, &e.ExternalID, &embedding, &notifiedAt, &e.FollowPromptID, &e.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	e.Embedding = DecodeVector(embedding)
	e.NotifiedAt = timePtr(notifiedAt)
	return e, nil
}

// CreateEvents inserts a batch of events in one transaction.
func (s *Store) CreateEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			createdAt := e.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO events (user, headline, summary, occurred_at, source_url, external_id, embedding, follow_prompt_id, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.User, e.Headline, e.Summary, e.OccurredAt, e.SourceURL,
				e.ExternalID, EncodeVector(e.Embedding), e.FollowPromptID, createdAt)
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}
		return nil
	})
}

// RecentEvents returns a user's events created within the dedup window.
func (s *Store) RecentEvents(ctx context.Context, user string, since time.Time) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE user = ? AND created_at >= ? ORDER BY created_at DESC`,
		user, since)
}

// UnnotifiedEventsForPrompt returns events awaiting a digest.
func (s *Store) UnnotifiedEventsForPrompt(ctx context.Context, followPromptID int64) ([]Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE follow_prompt_id = ? AND notified_at IS NULL
		 ORDER BY occurred_at ASC`, followPromptID)
}

// PromptHasUnnotifiedEvents reports whether a digest is pending.
func (s *Store) PromptHasUnnotifiedEvents(ctx context.Context, followPromptID int64) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE follow_prompt_id = ? AND notified_at IS NULL`,
		followPromptID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEventsNotified stamps notified_at on the given events.
func (s *Store) MarkEventsNotified(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE events SET notified_at = ? WHERE id = ? AND notified_at IS NULL`,
				at, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
