package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned once a page is still rate limited after
// MaxRateLimitRetries waits.
var ErrRateLimited = errors.New("rate limited")

// MaxRateLimitRetries bounds how many 429 responses FetchPage waits out.
const MaxRateLimitRetries = 3

var tracer = otel.Tracer("source")

const userAgent = "DiscordBot (https://github.com/ericvolp12/clanlog, 0.0.1)"

// Discord reads channel history from the Discord REST API.
type Discord struct {
	Logger    *slog.Logger
	Host      string
	Token     string
	ChannelID string
	Limiter   *rate.Limiter
	Client    *http.Client
}

// NewDiscord creates a history client for one channel. requestsPerSecond
// bounds how fast pages are requested.
func NewDiscord(logger *slog.Logger, host, token, channelID string, requestsPerSecond float64) *Discord {
	return &Discord{
		Logger:    logger.With("module", "discord"),
		Host:      host,
		Token:     token,
		ChannelID: channelID,
		Limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		Client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type apiAuthor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type apiMessage struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Content   string    `json:"content"`
	Timestamp string    `json:"timestamp"`
	Author    apiAuthor `json:"author"`
}

func (m *apiMessage) toRaw() (RawMessage, error) {
	t, err := dateparse.ParseAny(m.Timestamp)
	if err != nil {
		return RawMessage{}, fmt.Errorf("failed to parse timestamp %q: %w", m.Timestamp, err)
	}

	return RawMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Author:    m.Author.Username,
		Content:   m.Content,
		CreatedAt: t,
	}, nil
}

// FetchPage returns one page of channel history. Backward pages are newest
// first, forward pages oldest first.
func (d *Discord) FetchPage(ctx context.Context, q Query) ([]RawMessage, error) {
	ctx, span := tracer.Start(ctx, "FetchPage")
	defer span.End()

	span.SetAttributes(
		attribute.String("before", q.Before),
		attribute.String("after", q.After),
		attribute.Int("limit", q.Limit),
	)

	params := url.Values{}
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.Before != "" {
		params.Set("before", q.Before)
	}
	if q.After != "" {
		params.Set("after", q.After)
	}

	u, err := url.Parse(fmt.Sprintf("%s/api/v10/channels/%s/messages?%s", d.Host, url.PathEscape(d.ChannelID), params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	d.Logger.Debug("getting page", "url", u.String())

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		resp, err = d.get(ctx, u.String())
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}

		wait := retryAfter(resp.Header.Get("Retry-After"))
		resp.Body.Close()

		if attempt >= MaxRateLimitRetries {
			d.Logger.Warn("rate limited, giving up", "attempts", attempt+1)
			return nil, ErrRateLimited
		}

		d.Logger.Warn("rate limited, waiting", "retry_after", wait.String(), "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	var page []apiMessage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	msgs := make([]RawMessage, 0, len(page))
	for i := range page {
		msg, err := page[i].toRaw()
		if err != nil {
			return nil, err
		}
		if msg.ChannelID == "" {
			msg.ChannelID = d.ChannelID
		}
		msgs = append(msgs, msg)
	}

	// Discord always answers newest first.
	if q.After != "" {
		slices.Reverse(msgs)
	}

	span.SetAttributes(attribute.Int("messages", len(msgs)))

	return msgs, nil
}

func (d *Discord) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bot "+d.Token)

	// Rate limit requests
	if err := d.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

// retryAfter parses a Retry-After header given in (possibly fractional)
// seconds. Missing or malformed values wait one second.
func retryAfter(header string) time.Duration {
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil || secs < 0 {
		return time.Second
	}
	return time.Duration(secs * float64(time.Second))
}
