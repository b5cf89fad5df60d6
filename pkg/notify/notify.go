package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ericvolp12/clanlog/pkg/classify"
	"github.com/ericvolp12/clanlog/pkg/store"
)

const (
	StreamName    = "CLANLOG"
	subjectPrefix = "clanlog"
)

var tracer = otel.Tracer("notify")

// Event is the JSON payload published for every newly stored message.
type Event struct {
	Category  string    `json:"category"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Subject returns the subject events of category c are published on.
func Subject(c classify.Category) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, c.String())
}

func encode(rec store.Record) (string, []byte, error) {
	payload, err := json.Marshal(Event{
		Category:  rec.Category.String(),
		Sender:    rec.Sender,
		Body:      rec.Body,
		MessageID: rec.MessageID,
		CreatedAt: rec.CreatedAt.UTC(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return Subject(rec.Category), payload, nil
}

// Publisher publishes stored messages to NATS JetStream. The message id is
// used as the JetStream message id so redeliveries are dropped server side.
type Publisher struct {
	logger *slog.Logger
	nc     *nats.Conn
	js     nats.JetStreamContext
}

func NewPublisher(logger *slog.Logger, url string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("clanlog"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{logger: logger.With("module", "notify"), nc: nc, js: js}, nil
}

// EnsureStream creates the stream holding every category subject if it is
// missing.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("created stream", "stream", StreamName)
	return nil
}

func (p *Publisher) Name() string {
	return "nats"
}

func (p *Publisher) Publish(ctx context.Context, rec store.Record) error {
	ctx, span := tracer.Start(ctx, "Publish")
	defer span.End()

	subject, payload, err := encode(rec)
	if err != nil {
		return err
	}

	span.SetAttributes(
		attribute.String("subject", subject),
		attribute.String("message_id", rec.MessageID),
	)

	if _, err := p.js.Publish(subject, payload, nats.MsgId(rec.MessageID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
