package database

import "context"

type MessageRepository interface {
	Ping(ctx context.Context) error
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	// GetMessages returns the newest limit messages of a project after
	// skipping offset, oldest first.
	GetMessages(ctx context.Context, projectId string, limit, offset int) ([]Message, error)
}
