package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const preferenceColumns = `id, user, topic, pref_type, embedding, created_at`

func scanPreference(row interface{ Scan(...any) error }) (Preference, error) {
	var p Preference
	var embedding []byte
	err := row.Scan(&p.ID, &p.User, &p.Topic, &p.Type, &embedding, &p.CreatedAt)
	if err != nil {
		return Preference{}, err
	}
	p.Embedding = DecodeVector(embedding)
	return p, nil
}

// UpsertPreference records a liked or disliked topic. When the topic
// already exists with the opposite type, the row moves to the new type
// in one transaction rather than duplicating. Returns the row id and
// whether a new topic was recorded.
func (s *Store) UpsertPreference(ctx context.Context, p Preference) (int64, bool, error) {
	topic := strings.ToLower(strings.TrimSpace(p.Topic))
	if topic == "" {
		return 0, false, fmt.Errorf("empty preference topic")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	var id int64
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id, pref_type FROM preferences WHERE user = ? AND topic = ?`,
			p.User, topic)
		var existingID int64
		var existingType string
		switch err := row.Scan(&existingID, &existingType); err {
		case nil:
			if existingType != p.Type {
				if _, err := tx.ExecContext(ctx,
					`UPDATE preferences SET pref_type = ?, created_at = ? WHERE id = ?`,
					p.Type, p.CreatedAt, existingID); err != nil {
					return fmt.Errorf("toggle preference: %w", err)
				}
			}
			id = existingID
			return nil
		case sql.ErrNoRows:
			res, err := tx.ExecContext(ctx,
				`INSERT INTO preferences (user, topic, pref_type, embedding, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				p.User, topic, p.Type, EncodeVector(p.Embedding), p.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert preference: %w", err)
			}
			id, err = res.LastInsertId()
			created = true
			return err
		default:
			return err
		}
	})
	return id, created, err
}

// PreferencesForUser returns all preferences for a user.
func (s *Store) PreferencesForUser(ctx context.Context, user string) ([]Preference, error) {
	return s.queryPreferences(ctx,
		`SELECT `+preferenceColumns+` FROM preferences WHERE user = ? ORDER BY topic`, user)
}

// PreferencesWithoutEmbedding returns a bounded batch lacking embeddings.
func (s *Store) PreferencesWithoutEmbedding(ctx context.Context, limit int) ([]Preference, error) {
	return s.queryPreferences(ctx,
		`SELECT `+preferenceColumns+` FROM preferences
		 WHERE embedding IS NULL OR length(embedding) = 0 LIMIT ?`, limit)
}

// UpdatePreferenceEmbedding backfills a preference's embedding.
func (s *Store) UpdatePreferenceEmbedding(ctx context.Context, id int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE preferences SET embedding = ? WHERE id = ?`, EncodeVector(embedding), id)
	return err
}

func (s *Store) queryPreferences(ctx context.Context, query string, args ...any) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var preferences []Preference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, err
		}
		preferences = append(preferences, p)
	}
	return preferences, rows.Err()
}
