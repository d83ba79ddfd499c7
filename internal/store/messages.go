package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, user, direction, sender, content, parent_id, external_id, is_reaction, processed, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var parentID sql.NullInt64
	var externalID sql.NullString
	err := row.Scan(&m.ID, &m.User, &m.Direction, &m.Sender, &m.Content,
		&parentID, &externalID, &m.IsReaction, &m.Processed, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	m.ParentID = idPtr(parentID)
	if externalID.Valid {
		value := externalID.String
		m.ExternalID = &value
	}
	return m, nil
}

// CreateMessage inserts a message row and returns its id.
func (s *Store) CreateMessage(ctx context.Context, m Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	var externalID any
	if m.ExternalID != nil {
		externalID = *m.ExternalID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user, direction, sender, content, parent_id, external_id, is_reaction, processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.User, m.Direction, m.Sender, m.Content, nullableID(m.ParentID), externalID,
		m.IsReaction, m.Processed, m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return res.LastInsertId()
}

// MessageByID returns one message.
func (s *Store) MessageByID(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MessageByExternalID resolves an outgoing message by its platform id,
// used to correlate reactions with what they react to.
func (s *Store) MessageByExternalID(ctx context.Context, user, externalID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE user = ? AND external_id = ? AND direction = ?`,
		user, externalID, DirectionOutgoing)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UnprocessedMessages returns un-processed, non-reaction incoming
// messages for a user, newest first.
func (s *Store) UnprocessedMessages(ctx context.Context, user string, limit int) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE user = ? AND direction = ? AND processed = 0 AND is_reaction = 0
		 ORDER BY created_at DESC LIMIT ?`,
		user, DirectionIncoming, limit)
}

// UnprocessedReactions returns un-processed reaction messages for a user.
func (s *Store) UnprocessedReactions(ctx context.Context, user string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE user = ? AND direction = ? AND processed = 0 AND is_reaction = 1
		 ORDER BY created_at ASC`,
		user, DirectionIncoming)
}

// RecentUserMessages returns the last n incoming non-reaction messages.
func (s *Store) RecentUserMessages(ctx context.Context, user string, n int) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE user = ? AND direction = ? AND is_reaction = 0
		 ORDER BY created_at DESC LIMIT ?`,
		user, DirectionIncoming, n)
}

// UsersWithUnprocessedMessages lists users that have extraction work.
func (s *Store) UsersWithUnprocessedMessages(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user FROM messages
		 WHERE direction = ? AND processed = 0`, DirectionIncoming)
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

// MarkMessagesProcessed flips processed to true for the given ids.
// The transition is one-way.
func (s *Store) MarkMessagesProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET processed = 1 WHERE id IN (`+placeholders+`)`, args...)
	return err
}

// LastRealMessageTime returns the timestamp of the user's most recent
// incoming non-reaction message that is not a command. Zero time when
// none exists.
func (s *Store) LastRealMessageTime(ctx context.Context, user string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM messages
		 WHERE user = ? AND direction = ? AND is_reaction = 0 AND content NOT LIKE '/%'
		 ORDER BY created_at DESC LIMIT 1`,
		user, DirectionIncoming)
	var t time.Time
	if err := row.Scan(&t); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return t, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
