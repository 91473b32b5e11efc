package store

import (
	"context"
	"database/sql"
	"time"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

// Exists reports whether a message with the same dedup identity is already
// stored. Remote ids are not stable across list and webhook payloads, so the
// content tuple is the identity.
func (r *MessageRepo) Exists(ctx context.Context, chatID int64, text string, dir Direction, ts time.Time) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
SELECT 1 FROM avito_messages WHERE chat_id = ? AND message = ? AND direction = ? AND ts = ? LIMIT 1
`, chatID, text, dir, ts.UTC()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *MessageRepo) Insert(ctx context.Context, m *Message) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO avito_messages (chat_id, message, direction, sender_name, manager_id, ts)
VALUES (?, ?, ?, ?, ?, ?)
`, m.ChatID, m.Text, m.Direction, m.SenderName, m.ManagerID, m.Timestamp.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *MessageRepo) ListByChat(ctx context.Context, chatID int64) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, chat_id, message, direction, sender_name, manager_id, ts
FROM avito_messages WHERE chat_id = ? ORDER BY ts ASC, id ASC
`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Text, &m.Direction, &m.SenderName, &m.ManagerID, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
