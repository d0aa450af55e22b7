// Package ws bridges the broadcast stream to WebSocket clients. Each client
// gets a consistent snapshot followed by the live sequenced event stream;
// reconnecting clients resume from their last seen sequence number when the
// durable stream still retains it.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpbot/internal/broadcast"
	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 1024

	// snapshotDecisions bounds how many recent decisions a snapshot carries.
	snapshotDecisions = 20
)

// upgrader configures the WebSocket upgrade parameters. Origin enforcement
// happens in the CORS middleware; the API key middleware already gates the
// upgrade request itself.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PositionSource supplies the open positions for snapshots.
type PositionSource interface {
	ListOpen(ctx context.Context) ([]domain.Position, error)
}

// DecisionSource supplies recent decisions for snapshots.
type DecisionSource interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Decision, error)
}

// Hub hands out per-connection subscriptions on the broadcaster and serves
// snapshots from the stores.
type Hub struct {
	broadcaster *broadcast.Broadcaster
	positions   PositionSource
	decisions   DecisionSource
	logger      *slog.Logger
}

// NewHub creates a Hub.
func NewHub(broadcaster *broadcast.Broadcaster, positions PositionSource, decisions DecisionSource, logger *slog.Logger) *Hub {
	return &Hub{
		broadcaster: broadcaster,
		positions:   positions,
		decisions:   decisions,
		logger:      logger,
	}
}

// frame is the envelope for every message sent to a client.
type frame struct {
	Type    string        `json:"type"` // "snapshot" or "event"
	Payload any           `json:"payload,omitempty"`
	Event   *domain.Event `json:"event,omitempty"`
}

// snapshotPayload is the initial state sent on connect or after a failed
// resume. Seqs carries the last assigned sequence number per symbol so the
// client knows where the live stream picks up.
type snapshotPayload struct {
	Positions []domain.Position `json:"positions"`
	Decisions []domain.Decision `json:"decisions"`
	Seqs      map[string]uint64 `json:"seqs"`
}

// client is one WebSocket connection and its broadcast subscription.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	sub      *broadcast.Subscription
	symbols  []string
	lastSent map[string]uint64
}

// HandleWS upgrades the request and serves the snapshot-then-stream protocol.
// Query parameters: symbols (comma-separated, empty for all) and last_seq
// (resume point, meaningful only with exactly one symbol).
// GET /ws?symbols=SUI/USD&last_seq=42
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	symbols := parseSymbols(r.URL.Query().Get("symbols"))
	lastSeq, _ := strconv.ParseUint(r.URL.Query().Get("last_seq"), 10, 64)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	// Subscribe before reading state so no event published between the
	// snapshot and the first live delivery can be missed. The lastSent map
	// absorbs the overlap the other way around.
	c := &client{
		hub:      h,
		conn:     conn,
		sub:      h.broadcaster.Subscribe(symbols),
		symbols:  symbols,
		lastSent: make(map[string]uint64),
	}

	if err := c.sendInitialState(r.Context(), lastSeq); err != nil {
		h.logger.Warn("ws: initial state delivery failed", slog.String("error", err.Error()))
		h.broadcaster.Unsubscribe(c.sub)
		conn.Close()
		return
	}

	h.logger.Info("ws: client connected",
		slog.Int("symbols", len(symbols)),
		slog.Uint64("last_seq", lastSeq),
	)

	go c.writePump()
	go c.readPump()
}

// sendInitialState delivers either a replay from the durable stream or a
// fresh snapshot. Resume is only well-defined for a single symbol because
// sequence numbers are per symbol; any other request gets a snapshot.
func (c *client) sendInitialState(ctx context.Context, lastSeq uint64) error {
	if lastSeq > 0 && len(c.symbols) == 1 {
		symbol := c.symbols[0]
		events, err := c.hub.broadcaster.Replay(ctx, symbol, lastSeq)
		if err == nil {
			for _, ev := range events {
				if err := c.writeFrame(frame{Type: "event", Event: &ev}); err != nil {
					return err
				}
				c.lastSent[symbol] = ev.Seq
			}
			if c.lastSent[symbol] == 0 {
				c.lastSent[symbol] = lastSeq
			}
			return nil
		}
		if !errors.Is(err, domain.ErrSequenceExpired) {
			return err
		}
		// The stream was trimmed past the resume point; fall through to a
		// fresh snapshot.
	}
	return c.sendSnapshot(ctx)
}

// sendSnapshot writes the open positions, recent decisions, and current
// per-symbol sequence numbers.
func (c *client) sendSnapshot(ctx context.Context) error {
	positions, err := c.hub.positions.ListOpen(ctx)
	if err != nil {
		return err
	}
	decisions, err := c.hub.decisions.ListRecent(ctx, domain.ListOpts{Limit: snapshotDecisions})
	if err != nil {
		return err
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	if decisions == nil {
		decisions = []domain.Decision{}
	}

	seqs := make(map[string]uint64)
	for _, p := range positions {
		seqs[p.Symbol] = c.hub.broadcaster.Seq(p.Symbol)
	}
	for _, s := range c.symbols {
		seqs[s] = c.hub.broadcaster.Seq(s)
	}
	for sym, seq := range seqs {
		c.lastSent[sym] = seq
	}

	return c.writeFrame(frame{
		Type: "snapshot",
		Payload: snapshotPayload{
			Positions: positions,
			Decisions: decisions,
			Seqs:      seqs,
		},
	})
}

func (c *client) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// writePump forwards subscribed events to the connection and sends periodic
// ping frames for keepalive. It exits when the subscription closes or a write
// fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if c.sub.Err() == domain.ErrBacklogExceeded {
					// The client fell too far behind and was dropped.
					// Tell it to reconnect with its last seen sequence.
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation,
							"backlog exceeded, reconnect with last_seq"))
					c.hub.logger.Warn("ws: slow client dropped")
				} else {
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			// Replay and the live feed can overlap on the boundary event.
			if ev.Seq <= c.lastSent[ev.Symbol] {
				continue
			}
			if err := c.writeFrame(frame{Type: "event", Event: &ev}); err != nil {
				return
			}
			c.lastSent[ev.Symbol] = ev.Seq

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and client messages until the connection
// drops, then tears down the subscription.
func (c *client) readPump() {
	defer func() {
		c.hub.broadcaster.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// parseSymbols splits the comma-separated symbols parameter, dropping empty
// entries. An empty result subscribes to all symbols.
func parseSymbols(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
