package database

import (
	"context"
	"fmt"
)

const (
	createMessageQuery = "INSERT INTO messages (id, project_id, sender, message, message_type, created_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at"

	getMessagesQuery = "SELECT id, project_id, sender, message, message_type, created_at FROM (" +
		"SELECT id, project_id, sender, message, message_type, created_at FROM messages " +
		"WHERE project_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3" +
		") AS page ORDER BY created_at ASC, id ASC"
)

func (db *PgMessageRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	err := db.conn.QueryRowContext(ctx, createMessageQuery,
		msg.Id,
		msg.ProjectId,
		msg.Sender,
		msg.Content,
		msg.MessageType,
		msg.CreatedAt.UTC(),
	).Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

func (db *PgMessageRepository) GetMessages(ctx context.Context, projectId string, limit, offset int) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx, getMessagesQuery, projectId, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.Id,
			&m.ProjectId,
			&m.Sender,
			&m.Content,
			&m.MessageType,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}
