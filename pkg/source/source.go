package source

import (
	"context"
	"time"
)

// RawMessage is a message as delivered by the chat platform.
type RawMessage struct {
	ID        string
	ChannelID string
	Author    string
	Content   string
	CreatedAt time.Time
}

// Query selects one page of channel history. At most one of Before and After
// is set. Before pages backwards (newest first), After pages forwards.
type Query struct {
	Before string
	After  string
	Limit  int
}

// Source is a paginated, cursor-addressed message history.
type Source interface {
	FetchPage(ctx context.Context, q Query) ([]RawMessage, error)
}
