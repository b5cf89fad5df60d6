package bq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericvolp12/clanlog/pkg/classify"
	"github.com/ericvolp12/clanlog/pkg/store"
)

func TestRecordSchema(t *testing.T) {
	schema, err := bigquery.InferSchema(Record{})
	require.NoError(t, err)

	var names []string
	for _, f := range schema {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"created_at", "inserted_at", "category", "sender", "body", "message_id"}, names)
}

func TestPublishBatches(t *testing.T) {
	bq := &BQ{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		tablePrefix: "test",
		recordBuf:   make(chan *Record, 10),
	}

	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, bq.Publish(ctx, store.Record{
			Category:  classify.PetDrop,
			Sender:    "Alice",
			Body:      "has a funny feeling",
			MessageID: id,
			CreatedAt: created,
		}))
	}

	batch := bq.nextBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "1", batch[0].MessageID)
	assert.Equal(t, "pet_drop", batch[0].Category)
	assert.Equal(t, time.UTC, batch[0].CreatedAt.Location())
	assert.True(t, batch[0].CreatedAt.Equal(created))

	batch = bq.nextBatch(2)
	require.Len(t, batch, 1)
	assert.Equal(t, "3", batch[0].MessageID)

	assert.Empty(t, bq.nextBatch(2))
}

func TestPublishRespectsContext(t *testing.T) {
	bq := &BQ{tablePrefix: "test", recordBuf: make(chan *Record)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bq.Publish(ctx, store.Record{Category: classify.Chat, MessageID: "1"})
	assert.ErrorIs(t, err, context.Canceled)
}
