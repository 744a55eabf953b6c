package database

import "time"

type Message struct {
	Id          string
	ProjectId   string
	Sender      string
	Content     string
	MessageType string
	CreatedAt   time.Time
}
