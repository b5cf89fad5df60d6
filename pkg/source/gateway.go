package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrReconnect is returned by Gateway.Run when the server asks the client to
// reconnect or invalidates the session.
var ErrReconnect = errors.New("gateway requested reconnect")

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// DefaultIntents subscribes to guild messages including their content.
const DefaultIntents = 1<<0 | 1<<9 | 1<<15

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string            `json:"token"`
	Intents    int               `json:"intents"`
	Properties map[string]string `json:"properties"`
}

// Gateway receives "message created" pushes over the Discord gateway
// websocket.
type Gateway struct {
	logger  *slog.Logger
	URL     string
	Token   string
	Intents int

	writeLk sync.Mutex

	lastSeq int64
	seqLk   sync.RWMutex
}

func NewGateway(logger *slog.Logger, gatewayURL, token string) *Gateway {
	return &Gateway{
		logger:  logger.With("module", "gateway"),
		URL:     gatewayURL,
		Token:   token,
		Intents: DefaultIntents,
	}
}

func (g *Gateway) setSeq(seq int64) {
	g.seqLk.Lock()
	defer g.seqLk.Unlock()
	g.lastSeq = seq
}

// GetSeq returns the sequence number of the last dispatch received.
func (g *Gateway) GetSeq() int64 {
	g.seqLk.RLock()
	defer g.seqLk.RUnlock()
	return g.lastSeq
}

func (g *Gateway) send(con *websocket.Conn, p gatewayPayload) error {
	g.writeLk.Lock()
	defer g.writeLk.Unlock()
	return con.WriteJSON(p)
}

func (g *Gateway) heartbeat(con *websocket.Conn) error {
	seq := g.GetSeq()
	d := json.RawMessage("null")
	if seq > 0 {
		d = json.RawMessage(fmt.Sprintf("%d", seq))
	}
	return g.send(con, gatewayPayload{Op: opHeartbeat, D: d})
}

// Run connects, identifies and delivers every MESSAGE_CREATE dispatch to
// handle, in order, until ctx is cancelled or the connection drops. It
// returns nil only when ctx was cancelled.
func (g *Gateway) Run(ctx context.Context, handle func(context.Context, RawMessage)) error {
	g.logger.Info("connecting to gateway", "url", g.URL)

	con, _, err := websocket.DefaultDialer.DialContext(ctx, g.URL, http.Header{
		"User-Agent": []string{userAgent},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		con.Close()
	}()

	var hello gatewayPayload
	if err := con.ReadJSON(&hello); err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}

	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return fmt.Errorf("failed to decode hello: %w", err)
	}
	if hd.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid heartbeat interval %d", hd.HeartbeatInterval)
	}

	identify, err := json.Marshal(identifyData{
		Token:   g.Token,
		Intents: g.Intents,
		Properties: map[string]string{
			"os":      runtime.GOOS,
			"browser": "clanlog",
			"device":  "clanlog",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode identify: %w", err)
	}
	if err := g.send(con, gatewayPayload{Op: opIdentify, D: identify}); err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}

	go func() {
		ticker := time.NewTicker(time.Duration(hd.HeartbeatInterval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := g.heartbeat(con); err != nil {
					g.logger.Error("failed to send heartbeat", "err", err)
					return
				}
			}
		}
	}()

	for {
		var p gatewayPayload
		if err := con.ReadJSON(&p); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from gateway: %w", err)
		}

		if p.S != nil {
			g.setSeq(*p.S)
		}

		switch p.Op {
		case opDispatch:
			if p.T != "MESSAGE_CREATE" {
				continue
			}
			var m apiMessage
			if err := json.Unmarshal(p.D, &m); err != nil {
				g.logger.Error("failed to decode message", "err", err)
				continue
			}
			msg, err := m.toRaw()
			if err != nil {
				g.logger.Error("failed to convert message", "id", m.ID, "err", err)
				continue
			}
			handle(ctx, msg)
		case opHeartbeat:
			if err := g.heartbeat(con); err != nil {
				return fmt.Errorf("failed to send heartbeat: %w", err)
			}
		case opHeartbeatAck:
		case opReconnect, opInvalidSession:
			g.logger.Warn("gateway asked us to reconnect", "op", p.Op)
			return ErrReconnect
		default:
			g.logger.Debug("ignoring gateway op", "op", p.Op)
		}
	}
}
