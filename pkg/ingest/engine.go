package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ericvolp12/clanlog/pkg/classify"
	"github.com/ericvolp12/clanlog/pkg/source"
	"github.com/ericvolp12/clanlog/pkg/store"
)

var tracer = otel.Tracer("ingest")

const (
	DefaultPageSize = 100
	// MaxPageSize is the largest page the history API serves.
	MaxPageSize = 100
)

var ErrInvalidPageSize = errors.New("invalid page size")

// CheckPageSize reports whether n is a page size the history API accepts.
func CheckPageSize(n int) error {
	if n < 1 || n > MaxPageSize {
		return fmt.Errorf("%w: %d is outside 1..%d", ErrInvalidPageSize, n, MaxPageSize)
	}
	return nil
}

const (
	ModeBackfill    = "backfill"
	ModeIncremental = "incremental"
)

// Sink receives every record the engine newly stores.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec store.Record) error
}

// Engine pulls channel history from a Source into the Store.
type Engine struct {
	logger *slog.Logger
	source source.Source
	store  *store.Store

	// ChannelID gates HandleMessage. Empty accepts every channel.
	ChannelID string
	PageSize  int
	Sinks     []Sink

	passLk sync.Mutex
}

// Result summarizes one sync pass.
type Result struct {
	Mode    string
	Pages   int
	Fetched int
	Saved   int
	Cursor  string
}

func NewEngine(logger *slog.Logger, src source.Source, st *store.Store, channelID string) *Engine {
	return &Engine{
		logger:    logger.With("module", "ingest"),
		source:    src,
		store:     st,
		ChannelID: channelID,
		PageSize:  DefaultPageSize,
	}
}

func (e *Engine) pageSize() int {
	if e.PageSize <= 0 {
		return DefaultPageSize
	}
	return e.PageSize
}

// Sync runs one pass: a full backfill when no cursor has been saved yet,
// otherwise an incremental pass forward from the cursor. Category tables are
// reordered after any pass that stored new rows. A fetch error aborts the
// pass and leaves the cursor untouched.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	e.passLk.Lock()
	defer e.passLk.Unlock()

	ctx, span := tracer.Start(ctx, "Sync")
	defer span.End()

	cursor, ok, err := e.store.Cursor(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load cursor: %w", err)
	}

	start := time.Now()

	var res Result
	if !ok {
		e.logger.Info("no cursor found, performing full history backfill")
		res, err = e.backfill(ctx)
	} else {
		e.logger.Info("cursor found, fetching messages after it", "cursor", cursor)
		res, err = e.incremental(ctx, cursor)
	}

	span.SetAttributes(
		attribute.String("mode", res.Mode),
		attribute.Int("pages", res.Pages),
		attribute.Int("fetched", res.Fetched),
		attribute.Int("saved", res.Saved),
	)

	result := "ok"
	if err != nil {
		result = "error"
	}
	passDuration.WithLabelValues(res.Mode, result).Observe(time.Since(start).Seconds())

	if err != nil {
		e.logger.Error("sync pass aborted", "mode", res.Mode, "fetched", res.Fetched, "saved", res.Saved, "err", err)
		return res, err
	}

	e.logger.Info("sync pass complete",
		"mode", res.Mode,
		"pages", res.Pages,
		"fetched", res.Fetched,
		"saved", res.Saved,
		"cursor", res.Cursor,
	)

	if res.Saved > 0 {
		e.Compact(ctx)
	}

	return res, nil
}

// Compact reorders every category table by timestamp. Failures are logged
// per table and never abort the others.
func (e *Engine) Compact(ctx context.Context) {
	e.logger.Info("reordering category tables")
	failed := e.store.ReorderAll(ctx)
	if failed > 0 {
		reorderFailures.Add(float64(failed))
		e.logger.Warn("some tables failed to reorder", "failed", failed)
	}
}

func (e *Engine) backfill(ctx context.Context) (Result, error) {
	res := Result{Mode: ModeBackfill}
	limit := e.pageSize()

	var before, maxSeen string
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := e.source.FetchPage(ctx, source.Query{Before: before, Limit: limit})
		if err != nil {
			return res, fmt.Errorf("failed to fetch page before %q: %w", before, err)
		}
		if len(page) == 0 {
			break
		}

		res.Pages++
		res.Fetched += len(page)
		pagesFetched.WithLabelValues(res.Mode).Inc()
		messagesFetched.WithLabelValues(res.Mode).Add(float64(len(page)))

		saved, err := e.processPage(ctx, page)
		if err != nil {
			return res, err
		}
		res.Saved += saved

		ids := pageIDs(page)
		maxSeen = newest(maxSeen, newest(ids...))
		before = oldest(ids...)

		e.logger.Info("fetched page", "mode", res.Mode, "messages", len(page), "fetched", res.Fetched, "saved", res.Saved)

		if len(page) < limit {
			break
		}
	}

	// Both writes are kept; the oldest boundary id is what ends up persisted.
	if maxSeen != "" {
		if err := e.store.SetCursor(ctx, maxSeen); err != nil {
			return res, err
		}
		res.Cursor = maxSeen
	}
	if before != "" {
		if err := e.store.SetCursor(ctx, before); err != nil {
			return res, err
		}
		res.Cursor = before
	}

	return res, nil
}

func (e *Engine) incremental(ctx context.Context, cursor string) (Result, error) {
	res := Result{Mode: ModeIncremental, Cursor: cursor}
	limit := e.pageSize()

	afterID := cursor
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := e.source.FetchPage(ctx, source.Query{After: afterID, Limit: limit})
		if err != nil {
			return res, fmt.Errorf("failed to fetch page after %q: %w", afterID, err)
		}
		if len(page) == 0 {
			break
		}

		res.Pages++
		res.Fetched += len(page)
		pagesFetched.WithLabelValues(res.Mode).Inc()
		messagesFetched.WithLabelValues(res.Mode).Add(float64(len(page)))

		saved, err := e.processPage(ctx, page)
		if err != nil {
			return res, err
		}
		res.Saved += saved

		e.logger.Info("fetched page", "mode", res.Mode, "messages", len(page), "fetched", res.Fetched, "saved", res.Saved)

		pageNewest := newest(pageIDs(page)...)
		if !IsNewer(pageNewest, afterID) {
			e.logger.Warn("page made no forward progress, stopping", "after", afterID, "newest", pageNewest)
			break
		}
		afterID = pageNewest

		if len(page) < limit {
			break
		}
	}

	if res.Fetched > 0 {
		if err := e.store.SetCursor(ctx, afterID); err != nil {
			return res, err
		}
		res.Cursor = afterID
	}

	return res, nil
}

// processPage stores every message of page not already present in some
// category table. Only the dedup lookup can fail the page; a message that
// fails to store is logged and skipped.
func (e *Engine) processPage(ctx context.Context, page []source.RawMessage) (int, error) {
	existing, err := e.store.Existing(ctx, pageIDs(page))
	if err != nil {
		return 0, fmt.Errorf("failed to check existing messages: %w", err)
	}

	saved := 0
	for _, msg := range page {
		if _, ok := existing[msg.ID]; ok {
			messagesSkipped.WithLabelValues("existing").Inc()
			continue
		}

		inserted, err := e.save(ctx, msg)
		if err != nil {
			messagesSkipped.WithLabelValues("error").Inc()
			e.logger.Error("failed to save message", "id", msg.ID, "err", err)
			continue
		}
		if inserted {
			saved++
		}
	}

	return saved, nil
}

// HandleMessage ingests a single pushed message. Messages from other
// channels are ignored and failures are only logged.
func (e *Engine) HandleMessage(ctx context.Context, msg source.RawMessage) {
	if e.ChannelID != "" && msg.ChannelID != e.ChannelID {
		return
	}

	ctx, span := tracer.Start(ctx, "HandleMessage")
	defer span.End()

	span.SetAttributes(attribute.String("message_id", msg.ID))

	if _, err := e.save(ctx, msg); err != nil {
		e.logger.Error("failed to save pushed message", "id", msg.ID, "err", err)
	}
}

// save classifies, extracts and inserts one message, then fans it out to the
// sinks if it was new.
func (e *Engine) save(ctx context.Context, msg source.RawMessage) (bool, error) {
	cat := classify.Classify(msg.Content)
	pair := classify.Extract(cat, msg.Author, msg.Content)

	rec := store.Record{
		Category:  cat,
		Sender:    pair.Sender,
		Body:      pair.Body,
		MessageID: msg.ID,
		CreatedAt: msg.CreatedAt,
	}

	inserted, err := e.store.Insert(ctx, rec)
	if err != nil {
		return false, err
	}
	if !inserted {
		messagesSkipped.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	messagesStored.WithLabelValues(cat.String()).Inc()
	e.logger.Debug("stored message", "id", msg.ID, "category", cat.String(), "sender", rec.Sender)

	for _, sink := range e.Sinks {
		if err := sink.Publish(ctx, rec); err != nil {
			sinkErrors.WithLabelValues(sink.Name()).Inc()
			e.logger.Error("failed to publish record", "sink", sink.Name(), "id", msg.ID, "err", err)
		}
	}

	return true, nil
}

func pageIDs(page []source.RawMessage) []string {
	ids := make([]string, 0, len(page))
	for _, msg := range page {
		ids = append(ids, msg.ID)
	}
	return ids
}
