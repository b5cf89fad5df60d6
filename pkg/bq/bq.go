package bq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ericvolp12/clanlog/pkg/store"
)

const batchSize = 10_000

// BQ mirrors newly stored messages into daily BigQuery tables.
type BQ struct {
	logger       *slog.Logger
	recordSchema bigquery.Schema
	client       *bigquery.Client
	dataset      *bigquery.Dataset

	tablePrefix string

	tableDate string
	inserter  *bigquery.Inserter

	recordBuf chan *Record

	shutdown chan struct{}
	wg       sync.WaitGroup
}

var tracer = otel.Tracer("bq")

func NewBQ(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	logger *slog.Logger,
) (*BQ, error) {
	recordSchema, err := bigquery.InferSchema(Record{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	bq := &BQ{
		recordSchema: recordSchema,
		client:       bqClient,
		dataset:      bqDataset,
		logger:       logger.With("module", "bq"),
		tablePrefix:  tablePrefix,
		recordBuf:    make(chan *Record, 100_000),
		shutdown:     make(chan struct{}),
	}

	// Batch insert records every 5 seconds
	bq.wg.Add(1)
	go func() {
		defer bq.wg.Done()
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := bq.insertRecords(ctx); err != nil {
					bq.logger.Error("failed to insert records", "error", err)
				}
			case <-bq.shutdown:
				// Flush what is left using a fresh context, ctx may already be cancelled.
				flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				for len(bq.recordBuf) > 0 {
					if err := bq.insertRecords(flushCtx); err != nil {
						bq.logger.Error("failed to flush records", "error", err)
						break
					}
				}
				cancel()
				return
			}
		}
	}()

	return bq, nil
}

func (bq *BQ) Name() string {
	return "bigquery"
}

// Publish queues rec for the next batch insert.
func (bq *BQ) Publish(ctx context.Context, rec store.Record) error {
	ctx, span := tracer.Start(ctx, "Publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("category", rec.Category.String()),
		attribute.String("message_id", rec.MessageID),
	)

	select {
	case bq.recordBuf <- fromStore(rec):
	case <-ctx.Done():
		return ctx.Err()
	}

	recordsProcessed.WithLabelValues(bq.tablePrefix, rec.Category.String()).Inc()
	queueDepth.WithLabelValues(bq.tablePrefix).Inc()

	return nil
}

// nextBatch drains up to max records from the buffer without blocking.
func (bq *BQ) nextBatch(max int) []*Record {
	records := make([]*Record, 0, min(max, len(bq.recordBuf)))
	for len(records) < max {
		select {
		case record := <-bq.recordBuf:
			records = append(records, record)
			queueDepth.WithLabelValues(bq.tablePrefix).Dec()
		default:
			return records
		}
	}
	return records
}

func (bq *BQ) insertRecords(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertRecords")
	defer span.End()

	// Create table if it doesn't exist
	if err := bq.CreateTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	records := bq.nextBatch(batchSize)

	// If there are no records, return early
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		batchSubmissionDuration.WithLabelValues(bq.tablePrefix).Observe(float64(elapsed.Milliseconds()))
		batchSizeHist.WithLabelValues(bq.tablePrefix).Observe(float64(len(records)))
	}()

	if err := bq.inserter.Put(ctx, records); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}

	return nil
}

func (bq *BQ) CreateTableIfNotExists(ctx context.Context) error {
	today := time.Now().UTC().Format("20060102")

	if bq.tableDate == today && bq.inserter != nil {
		return nil
	}

	table := bq.dataset.Table(fmt.Sprintf("%s_%s", bq.tablePrefix, today))
	_, err := table.Metadata(ctx)
	if err != nil {
		bq.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bq.recordSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	bq.tableDate = today
	bq.inserter = table.Inserter()

	return nil
}

// Close flushes buffered records and closes the client.
func (bq *BQ) Close() error {
	close(bq.shutdown)
	bq.wg.Wait()
	return bq.client.Close()
}
