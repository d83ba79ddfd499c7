package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateEngagement appends an interest signal. Engagements are never
// updated or deleted individually.
func (s *Store) CreateEngagement(ctx context.Context, e Engagement) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Valence == "" {
		e.Valence = ValenceNeutral
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO engagements (user, entity_id, engagement_type, valence, strength, source_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.User, nullableID(e.EntityID), e.Type, e.Valence, e.Strength,
		nullableID(e.SourceMessageID), e.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert engagement: %w", err)
	}
	return res.LastInsertId()
}

// EngagementsForEntity returns all engagements referencing an entity.
func (s *Store) EngagementsForEntity(ctx context.Context, entityID int64) ([]Engagement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user, entity_id, engagement_type, valence, strength, source_message_id, created_at
		 FROM engagements WHERE entity_id = ? ORDER BY created_at ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var engagements []Engagement
	for rows.Next() {
		var e Engagement
		var entID, msgID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.User, &entID, &e.Type, &e.Valence,
			&e.Strength, &msgID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EntityID = idPtr(entID)
		e.SourceMessageID = idPtr(msgID)
		engagements = append(engagements, e)
	}
	return engagements, rows.Err()
}

// EntityEngagedSince reports whether the user produced any engagement
// with the entity strictly after the given time. Used to detect
// ignored notifications.
func (s *Store) EntityEngagedSince(ctx context.Context, user string, entityID int64, since time.Time) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM engagements
		 WHERE user = ? AND entity_id = ? AND created_at > ?`,
		user, entityID, since)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
