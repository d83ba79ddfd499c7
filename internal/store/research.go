package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const researchTaskColumns = `id, user, thread_id, topic, focus, status, max_iterations, created_at, updated_at`

func scanResearchTask(row interface{ Scan(...any) error }) (ResearchTask, error) {
	var t ResearchTask
	err := row.Scan(&t.ID, &t.User, &t.ThreadID, &t.Topic, &t.Focus, &t.Status,
		&t.MaxIterations, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// CreateResearchTask queues a research task for a thread. The task
// starts awaiting focus unless another task is already active on the
// thread, in which case it is created pending.
func (s *Store) CreateResearchTask(ctx context.Context, t ResearchTask) (int64, error) {
	now := time.Now().UTC()
	status := t.Status
	if status == "" {
		status = ResearchAwaitingFocus
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM research_tasks
			 WHERE thread_id = ? AND status IN (?, ?)`,
			t.ThreadID, ResearchAwaitingFocus, ResearchInProgress)
		var active int
		if err := row.Scan(&active); err != nil {
			return err
		}
		if active > 0 {
			status = ResearchPending
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO research_tasks (user, thread_id, topic, focus, status, max_iterations, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.User, t.ThreadID, t.Topic, t.Focus, status, t.MaxIterations, now, now)
		if err != nil {
			return fmt.Errorf("insert research task: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// OldestActiveResearchTask returns the oldest task that is in progress
// or awaiting focus, or nil when none exists.
func (s *Store) OldestActiveResearchTask(ctx context.Context) (*ResearchTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+researchTaskColumns+` FROM research_tasks
		 WHERE status IN (?, ?) ORDER BY created_at ASC LIMIT 1`,
		ResearchInProgress, ResearchAwaitingFocus)
	t, err := scanResearchTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AwaitingFocusTask returns the thread's task awaiting a focus, or
// nil when none exists.
func (s *Store) AwaitingFocusTask(ctx context.Context, threadID string) (*ResearchTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+researchTaskColumns+` FROM research_tasks
		 WHERE thread_id = ? AND status = ? ORDER BY created_at ASC LIMIT 1`,
		threadID, ResearchAwaitingFocus)
	t, err := scanResearchTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SetResearchTaskStatus transitions a task and, on completion or
// failure, activates the thread's next pending task.
func (s *Store) SetResearchTaskStatus(ctx context.Context, id int64, status string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT thread_id FROM research_tasks WHERE id = ?`, id)
		var threadID string
		if err := row.Scan(&threadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE research_tasks SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().UTC(), id); err != nil {
			return err
		}
		if status != ResearchCompleted && status != ResearchFailed {
			return nil
		}
		// Completion activates the next pending task on this thread.
		_, err := tx.ExecContext(ctx,
			`UPDATE research_tasks SET status = ?, updated_at = ?
			 WHERE id = (SELECT id FROM research_tasks
			             WHERE thread_id = ? AND status = ?
			             ORDER BY created_at ASC LIMIT 1)`,
			ResearchAwaitingFocus, time.Now().UTC(), threadID, ResearchPending)
		return err
	})
}

// SetResearchTaskFocus records the focus string and moves the task to
// in progress.
func (s *Store) SetResearchTaskFocus(ctx context.Context, id int64, focus string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE research_tasks SET focus = ?, status = ?, updated_at = ? WHERE id = ?`,
		focus, ResearchInProgress, time.Now().UTC(), id)
	return err
}

// ResearchIterations returns a task's stored iterations in order.
func (s *Store) ResearchIterations(ctx context.Context, taskID int64) ([]ResearchIteration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, number, content, sources, created_at
		 FROM research_iterations WHERE task_id = ? ORDER BY number ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var iterations []ResearchIteration
	for rows.Next() {
		var it ResearchIteration
		var sources string
		if err := rows.Scan(&it.ID, &it.TaskID, &it.Number, &it.Content, &sources, &it.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(sources), &it.Sources); err != nil {
			return nil, fmt.Errorf("decode iteration sources: %w", err)
		}
		iterations = append(iterations, it)
	}
	return iterations, rows.Err()
}

// AddResearchIteration stores one iteration of a task.
func (s *Store) AddResearchIteration(ctx context.Context, it ResearchIteration) (int64, error) {
	sources, err := json.Marshal(it.Sources)
	if err != nil {
		return 0, fmt.Errorf("encode iteration sources: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO research_iterations (task_id, number, content, sources, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		it.TaskID, it.Number, it.Content, string(sources), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert research iteration: %w", err)
	}
	return res.LastInsertId()
}
