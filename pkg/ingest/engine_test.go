package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericvolp12/clanlog/pkg/classify"
	"github.com/ericvolp12/clanlog/pkg/source"
	"github.com/ericvolp12/clanlog/pkg/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var errFetch = errors.New("connection reset")

// fakeSource serves an in-memory channel history the way the REST API pages
// it: backward pages newest first, forward pages oldest first.
type fakeSource struct {
	lk    sync.Mutex
	msgs  []source.RawMessage
	calls int
	// failAt makes the n-th call (1-based) fail. Zero never fails.
	failAt int
}

func (f *fakeSource) add(msgs ...source.RawMessage) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.msgs = append(f.msgs, msgs...)
	sort.Slice(f.msgs, func(i, j int) bool { return IsNewer(f.msgs[j].ID, f.msgs[i].ID) })
}

func (f *fakeSource) FetchPage(_ context.Context, q source.Query) ([]source.RawMessage, error) {
	f.lk.Lock()
	defer f.lk.Unlock()

	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return nil, errFetch
	}

	var page []source.RawMessage
	if q.After != "" {
		for _, m := range f.msgs {
			if IsNewer(m.ID, q.After) && len(page) < q.Limit {
				page = append(page, m)
			}
		}
		return page, nil
	}

	for i := len(f.msgs) - 1; i >= 0; i-- {
		m := f.msgs[i]
		if q.Before != "" && !IsNewer(q.Before, m.ID) {
			continue
		}
		if len(page) == q.Limit {
			break
		}
		page = append(page, m)
	}
	return page, nil
}

type recordingSink struct {
	recs []store.Record
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(_ context.Context, rec store.Record) error {
	s.recs = append(s.recs, rec)
	return nil
}

var bodies = []string{
	"**Alice**: gz on the pet",
	"<:icon:1>PlayerOne received a drop: Zulrah's scales x50",
	"<:Quest:1147703095711764550> Bob has completed a quest: Dragon Slayer I",
	"**Carol**: anyone for tob?",
	"<:Statsicon:1147702829029543996> Dave has reached Attack level 99.",
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func history(from, n int) []source.RawMessage {
	msgs := make([]source.RawMessage, 0, n)
	for i := from; i < from+n; i++ {
		msgs = append(msgs, source.RawMessage{
			ID:        fmt.Sprint(1337045391975252000 + i),
			ChannelID: "42",
			Author:    "Relay",
			Content:   bodies[i%len(bodies)],
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return msgs
}

func newTestEngine(t *testing.T, src source.Source) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(discard, filepath.Join(t.TempDir(), "clanlog.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := NewEngine(discard, src, st, "42")
	e.PageSize = 10
	return e, st
}

func storedIDs(t *testing.T, st *store.Store) []string {
	t.Helper()
	var ids []string
	for _, c := range classify.Categories() {
		rows, err := st.Query(context.Background(), store.Filter{Category: c})
		require.NoError(t, err)
		for _, r := range rows {
			ids = append(ids, r.MessageID)
		}
	}
	sort.Strings(ids)
	return ids
}

func TestBackfillStoresEverything(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.add(history(0, 25)...)

	e, st := newTestEngine(t, src)
	sink := &recordingSink{}
	e.Sinks = []Sink{sink}

	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeBackfill, res.Mode)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 25, res.Fetched)
	assert.Equal(t, 25, res.Saved)
	assert.Len(t, sink.recs, 25)
	assert.Len(t, storedIDs(t, st), 25)

	// The oldest boundary id wins over the newest id seen.
	cursor, ok, err := st.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1337045391975252000", cursor)
	assert.Equal(t, cursor, res.Cursor)

	chat, err := st.Query(ctx, store.Filter{Category: classify.Chat, MessageID: "1337045391975252000"})
	require.NoError(t, err)
	require.Len(t, chat, 1)
	assert.Equal(t, "Alice", chat[0].Sender)
	assert.Equal(t, "gz on the pet", chat[0].Body)
}

func TestBackfillExactPageMultiple(t *testing.T) {
	src := &fakeSource{}
	src.add(history(0, 20)...)

	e, st := newTestEngine(t, src)
	res, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 3, src.calls, "a full last page needs one more empty fetch")
	assert.Len(t, storedIDs(t, st), 20)
}

func TestBackfillEmptyChannel(t *testing.T) {
	e, st := newTestEngine(t, &fakeSource{})
	res, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Saved)

	_, ok, err := st.Cursor(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrementalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.add(history(0, 25)...)

	e, st := newTestEngine(t, src)
	_, err := e.Sync(ctx)
	require.NoError(t, err)

	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Zero(t, res.Saved)
	assert.Equal(t, "1337045391975252024", res.Cursor)

	res, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Saved)
	assert.Zero(t, res.Fetched)
	assert.Equal(t, "1337045391975252024", res.Cursor)

	src.add(history(25, 12)...)
	res, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, res.Saved)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, "1337045391975252036", res.Cursor)

	res, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Saved)

	assert.Len(t, storedIDs(t, st), 37)
}

func TestInterruptedBackfillLeavesNoGaps(t *testing.T) {
	ctx := context.Background()

	whole := &fakeSource{}
	whole.add(history(0, 45)...)
	ref, refStore := newTestEngine(t, whole)
	_, err := ref.Sync(ctx)
	require.NoError(t, err)

	src := &fakeSource{failAt: 3}
	src.add(history(0, 45)...)
	e, st := newTestEngine(t, src)

	_, err = e.Sync(ctx)
	require.ErrorIs(t, err, errFetch)

	_, ok, err := st.Cursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "an aborted backfill must not persist a cursor")
	assert.Len(t, storedIDs(t, st), 20)

	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeBackfill, res.Mode)
	assert.Equal(t, 25, res.Saved)

	assert.Equal(t, storedIDs(t, refStore), storedIDs(t, st))
}

func TestIncrementalErrorKeepsCursor(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.add(history(0, 5)...)

	e, st := newTestEngine(t, src)
	_, err := e.Sync(ctx)
	require.NoError(t, err)
	_, err = e.Sync(ctx)
	require.NoError(t, err)

	before, _, err := st.Cursor(ctx)
	require.NoError(t, err)

	src.add(history(5, 30)...)
	src.failAt = src.calls + 2

	_, err = e.Sync(ctx)
	require.ErrorIs(t, err, errFetch)

	after, _, err := st.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Saved)
	assert.Len(t, storedIDs(t, st), 35)
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.add(history(0, 15)...)

	e, st := newTestEngine(t, src)

	var last string
	for i := 0; i < 5; i++ {
		src.add(history(15+i*7, 7)...)
		_, err := e.Sync(ctx)
		require.NoError(t, err)

		cursor, ok, err := st.Cursor(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, IsNewer(last, cursor), "cursor went from %s to %s", last, cursor)
		last = cursor
	}
}

type stuckSource struct {
	calls int
}

func (s *stuckSource) FetchPage(_ context.Context, q source.Query) ([]source.RawMessage, error) {
	s.calls++
	msgs := history(0, q.Limit)
	if q.After != "" {
		return msgs, nil
	}
	return nil, nil
}

func TestIncrementalStopsWithoutProgress(t *testing.T) {
	ctx := context.Background()
	src := &stuckSource{}
	e, st := newTestEngine(t, src)
	require.NoError(t, st.SetCursor(ctx, "1337045391975252009"))

	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 10, res.Saved)
	assert.Equal(t, "1337045391975252009", res.Cursor)
}

func TestHandleMessage(t *testing.T) {
	ctx := context.Background()
	e, st := newTestEngine(t, &fakeSource{})
	sink := &recordingSink{}
	e.Sinks = []Sink{sink}

	e.HandleMessage(ctx, source.RawMessage{
		ID:        "100",
		ChannelID: "42",
		Author:    "Bot",
		Content:   "<:icon:1>PlayerOne received a drop: Zulrah's scales x50",
		CreatedAt: base,
	})
	e.HandleMessage(ctx, source.RawMessage{
		ID:        "101",
		ChannelID: "7",
		Author:    "Bot",
		Content:   "**Alice**: gz on the pet",
		CreatedAt: base,
	})
	// Redelivery is ignored.
	e.HandleMessage(ctx, source.RawMessage{
		ID:        "100",
		ChannelID: "42",
		Author:    "Bot",
		Content:   "<:icon:1>PlayerOne received a drop: Zulrah's scales x50",
		CreatedAt: base,
	})

	rows, err := st.Query(ctx, store.Filter{Category: classify.Drop})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "PlayerOne", rows[0].Sender)
	assert.Equal(t, "received a drop: Zulrah's scales x50", rows[0].Body)
	assert.Equal(t, "100", rows[0].MessageID)

	n, err := st.Count(ctx, classify.Chat)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, sink.recs, 1)
	assert.Equal(t, classify.Drop, sink.recs[0].Category)
}

func TestSyncReordersTables(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	msgs := history(0, 10)
	// Out of order timestamps relative to ids.
	for i := range msgs {
		msgs[i].CreatedAt = base.Add(time.Duration(10-i) * time.Minute)
		msgs[i].Content = fmt.Sprintf("**P%d**: hello", i)
	}
	src.add(msgs...)

	e, st := newTestEngine(t, src)
	_, err := e.Sync(ctx)
	require.NoError(t, err)

	var rows []store.Row
	require.NoError(t, st.Scan(ctx, classify.Chat, 100, func(batch []store.Row) error {
		rows = append(rows, batch...)
		return nil
	}))
	require.Len(t, rows, 10)
	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i].CreatedAt.Before(rows[i-1].CreatedAt))
	}
}

func TestCheckPageSize(t *testing.T) {
	assert.NoError(t, CheckPageSize(1))
	assert.NoError(t, CheckPageSize(MaxPageSize))
	assert.ErrorIs(t, CheckPageSize(0), ErrInvalidPageSize)
	assert.ErrorIs(t, CheckPageSize(-5), ErrInvalidPageSize)
	assert.ErrorIs(t, CheckPageSize(MaxPageSize+1), ErrInvalidPageSize)
}
