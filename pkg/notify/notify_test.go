package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericvolp12/clanlog/pkg/classify"
	"github.com/ericvolp12/clanlog/pkg/store"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "clanlog.raid_drop", Subject(classify.RaidDrop))
	assert.Equal(t, "clanlog.chat", Subject(classify.Chat))
}

func TestEncode(t *testing.T) {
	created := time.Date(2024, 3, 1, 13, 0, 0, 0, time.FixedZone("CET", 3600))

	subject, payload, err := encode(store.Record{
		Category:  classify.Drop,
		Sender:    "PlayerOne",
		Body:      "received a drop: Zulrah's scales x50",
		MessageID: "100",
		CreatedAt: created,
	})
	require.NoError(t, err)
	assert.Equal(t, "clanlog.drop", subject)

	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, Event{
		Category:  "drop",
		Sender:    "PlayerOne",
		Body:      "received a drop: Zulrah's scales x50",
		MessageID: "100",
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}, ev)
}
