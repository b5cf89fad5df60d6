package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clanlog_pages_fetched_total",
	Help: "The number of history pages fetched from the source",
}, []string{"mode"})

var messagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clanlog_messages_fetched_total",
	Help: "The number of messages fetched from the source",
}, []string{"mode"})

var messagesStored = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clanlog_messages_stored_total",
	Help: "The number of new messages stored, by category",
}, []string{"category"})

var messagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clanlog_messages_skipped_total",
	Help: "The number of messages skipped, by reason",
}, []string{"reason"})

var passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "clanlog_sync_pass_duration_seconds",
	Help:    "The duration of a sync pass",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 15),
}, []string{"mode", "result"})

var reorderFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "clanlog_reorder_failures_total",
	Help: "The number of category tables that failed to reorder",
})

var sinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "clanlog_sink_errors_total",
	Help: "The number of records a sink failed to accept",
}, []string{"sink"})
