package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const entityColumns = `id, user, name, tagline, embedding, heat, heat_cooldown, last_enriched_at, last_notified_at, created_at`

func scanEntity(row interface{ Scan(...any) error }) (Entity, error) {
	var e Entity
	var embedding []byte
	var enrichedAt, notifiedAt sql.NullTime
	err := row.Scan(&e.ID, &e.User, &e.Name, &e.Tagline, &embedding,
		&e.Heat, &e.HeatCooldown, &enrichedAt, &notifiedAt, &e.CreatedAt)
	if err != nil {
		return Entity{}, err
	}
	e.Embedding = DecodeVector(embedding)
	e.LastEnrichedAt = timePtr(enrichedAt)
	e.LastNotifiedAt = timePtr(notifiedAt)
	return e, nil
}

// CreateEntity inserts a new entity. Name is canonicalized to lowercase.
func (s *Store) CreateEntity(ctx context.Context, e Entity) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (user, name, tagline, embedding, heat, heat_cooldown, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.User, strings.ToLower(strings.TrimSpace(e.Name)), e.Tagline,
		EncodeVector(e.Embedding), e.Heat, e.HeatCooldown, e.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert entity: %w", err)
	}
	return res.LastInsertId()
}

// EntityByName looks up an entity by its canonical name.
func (s *Store) EntityByName(ctx context.Context, user, name string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE user = ? AND name = ?`,
		user, strings.ToLower(strings.TrimSpace(name)))
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EntityByID returns one entity.
func (s *Store) EntityByID(ctx context.Context, id int64) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EntitiesForUser returns all of a user's entities.
func (s *Store) EntitiesForUser(ctx context.Context, user string) ([]Entity, error) {
	return s.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE user = ? ORDER BY name`, user)
}

// AllEntities returns every entity across users, for global selection.
func (s *Store) AllEntities(ctx context.Context) ([]Entity, error) {
	return s.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM entities ORDER BY user, name`)
}

// EntitiesWithoutEmbedding returns a bounded batch lacking embeddings.
func (s *Store) EntitiesWithoutEmbedding(ctx context.Context, limit int) ([]Entity, error) {
	return s.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE embedding IS NULL OR length(embedding) = 0 LIMIT ?`, limit)
}

// UpdateEntityEmbedding replaces an entity's composite embedding.
func (s *Store) UpdateEntityEmbedding(ctx context.Context, id int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET embedding = ? WHERE id = ?`, EncodeVector(embedding), id)
	return err
}

// SetEntityEnriched stamps last_enriched_at.
func (s *Store) SetEntityEnriched(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET last_enriched_at = ? WHERE id = ?`, at, id)
	return err
}

// SetEntityNotified stamps last_notified_at and starts the cooldown.
func (s *Store) SetEntityNotified(ctx context.Context, id int64, at time.Time, cooldownCycles int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET last_notified_at = ?, heat_cooldown = ? WHERE id = ?`,
		at, cooldownCycles, id)
	return err
}

// AddEntityHeat adjusts heat, clamped at zero.
func (s *Store) AddEntityHeat(ctx context.Context, id int64, delta float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET heat = MAX(0, heat + ?) WHERE id = ?`, delta, id)
	return err
}

// DecrementHeatCooldowns decrements every positive cooldown for a user
// by one cycle.
func (s *Store) DecrementHeatCooldowns(ctx context.Context, user string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET heat_cooldown = heat_cooldown - 1
		 WHERE user = ? AND heat_cooldown > 0`, user)
	return err
}

// DeleteEntity removes an entity; facts and engagements cascade.
func (s *Store) DeleteEntity(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	return err
}

// EntityUsers lists all users that own at least one entity.
func (s *Store) EntityUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user FROM entities`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
