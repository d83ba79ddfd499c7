package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const factColumns = `id, entity_id, content, embedding, source_search_log_id, source_message_id, learned_at, notified_at`

func scanFact(row interface{ Scan(...any) error }) (Fact, error) {
	var f Fact
	var embedding []byte
	var searchLogID, messageID sql.NullInt64
	var notifiedAt sql.NullTime
	err := row.Scan(&f.ID, &f.EntityID, &f.Content, &embedding,
		&searchLogID, &messageID, &f.LearnedAt, &notifiedAt)
	if err != nil {
		return Fact{}, err
	}
	f.Embedding = DecodeVector(embedding)
	f.SourceSearchLogID = idPtr(searchLogID)
	f.SourceMessageID = idPtr(messageID)
	f.NotifiedAt = timePtr(notifiedAt)
	return f, nil
}

// FactsForEntity returns an entity's facts, oldest first.
func (s *Store) FactsForEntity(ctx context.Context, entityID int64) ([]Fact, error) {
	return s.queryFacts(ctx,
		`SELECT `+factColumns+` FROM facts WHERE entity_id = ? ORDER BY learned_at ASC`,
		entityID)
}

// UnnotifiedFactsForEntity returns facts not yet surfaced to the user.
func (s *Store) UnnotifiedFactsForEntity(ctx context.Context, entityID int64) ([]Fact, error) {
	return s.queryFacts(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE entity_id = ? AND notified_at IS NULL ORDER BY learned_at ASC`,
		entityID)
}

// InsertFactsAndRefreshEntity inserts new facts and regenerates the
// entity's composite embedding in the same transaction.
func (s *Store) InsertFactsAndRefreshEntity(ctx context.Context, entityID int64, facts []Fact, entityEmbedding []float32) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range facts {
			learnedAt := f.LearnedAt
			if learnedAt.IsZero() {
				learnedAt = time.Now().UTC()
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO facts (entity_id, content, embedding, source_search_log_id, source_message_id, learned_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				entityID, f.Content, EncodeVector(f.Embedding),
				nullableID(f.SourceSearchLogID), nullableID(f.SourceMessageID), learnedAt)
			if err != nil {
				return fmt.Errorf("insert fact: %w", err)
			}
		}
		if entityEmbedding != nil {
			_, err := tx.ExecContext(ctx,
				`UPDATE entities SET embedding = ? WHERE id = ?`,
				EncodeVector(entityEmbedding), entityID)
			if err != nil {
				return fmt.Errorf("refresh entity embedding: %w", err)
			}
		}
		return nil
	})
}

// MarkFactsNotified stamps notified_at on the given facts. Facts that
// already carry a notified_at keep their original stamp.
func (s *Store) MarkFactsNotified(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, at)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE facts SET notified_at = ?
		 WHERE id IN (`+placeholders+`) AND notified_at IS NULL`, args...)
	return err
}

// FactsWithoutEmbedding returns a bounded batch lacking embeddings.
func (s *Store) FactsWithoutEmbedding(ctx context.Context, limit int) ([]Fact, error) {
	return s.queryFacts(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE embedding IS NULL OR length(embedding) = 0 LIMIT ?`, limit)
}

// UpdateFactEmbedding backfills a fact's embedding.
func (s *Store) UpdateFactEmbedding(ctx context.Context, id int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE facts SET embedding = ? WHERE id = ?`, EncodeVector(embedding), id)
	return err
}

// EntityHasUnnotifiedFacts reports whether un-surfaced facts exist.
func (s *Store) EntityHasUnnotifiedFacts(ctx context.Context, entityID int64) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM facts WHERE entity_id = ? AND notified_at IS NULL`, entityID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// FactCount returns the number of facts for an entity.
func (s *Store) FactCount(ctx context.Context, entityID int64) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM facts WHERE entity_id = ?`, entityID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// FactsFromSearchLogs returns facts sourced from any of the given
// search logs, grouped by entity id.
func (s *Store) FactsFromSearchLogs(ctx context.Context, logIDs []int64) (map[int64][]Fact, error) {
	if len(logIDs) == 0 {
		return map[int64][]Fact{}, nil
	}
	placeholders := strings.Repeat("?,", len(logIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(logIDs))
	for i, id := range logIDs {
		args[i] = id
	}
	facts, err := s.queryFacts(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE source_search_log_id IN (`+placeholders+`) ORDER BY learned_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	byEntity := make(map[int64][]Fact)
	for _, f := range facts {
		byEntity[f.EntityID] = append(byEntity[f.EntityID], f)
	}
	return byEntity, nil
}

func (s *Store) queryFacts(ctx context.Context, query string, args ...any) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var facts []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
