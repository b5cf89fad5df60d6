package bq

import (
	"time"

	"github.com/ericvolp12/clanlog/pkg/store"
)

// Record is the BigQuery row shape of a stored message.
type Record struct {
	CreatedAt  time.Time `bigquery:"created_at"`
	InsertedAt time.Time `bigquery:"inserted_at"`

	Category  string `bigquery:"category"`
	Sender    string `bigquery:"sender"`
	Body      string `bigquery:"body"`
	MessageID string `bigquery:"message_id"`
}

func fromStore(rec store.Record) *Record {
	return &Record{
		CreatedAt:  rec.CreatedAt.UTC(),
		InsertedAt: time.Now().UTC(),
		Category:   rec.Category.String(),
		Sender:     rec.Sender,
		Body:       rec.Body,
		MessageID:  rec.MessageID,
	}
}
