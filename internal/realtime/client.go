package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/pulse"
)

// PushRequest is the websocket push payload, identical to the HTTP one.
type PushRequest = pulse.SubmitRequest

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Status pages are public; origin checks add nothing here.
		return true
	},
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	hub      *Hub
	ingestor Ingestor
	conn     *websocket.Conn
	send     chan []byte

	slugs       map[string]bool
	workerToken string
}

// clientMessage is the union of every inbound action's fields.
type clientMessage struct {
	Action   string `json:"action"`
	Token    string `json:"token,omitempty"`
	Slug     string `json:"slug,omitempty"`
	Password string `json:"password,omitempty"`

	Latency   *float64 `json:"latency,omitempty"`
	StartTime *float64 `json:"startTime,omitempty"`
	EndTime   *float64 `json:"endTime,omitempty"`
	Custom1   *float64 `json:"custom1,omitempty"`
	Custom2   *float64 `json:"custom2,omitempty"`
	Custom3   *float64 `json:"custom3,omitempty"`
}

type reply struct {
	Action    string    `json:"action"`
	MonitorID string    `json:"monitorId,omitempty"`
	Slug      string    `json:"slug,omitempty"`
	Slugs     []string  `json:"slugs,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ServeWs upgrades the request and starts the client pumps.
func (h *Hub) ServeWs(ingestor Ingestor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
			return
		}

		c := &Client{
			hub:      h,
			ingestor: ingestor,
			conn:     conn,
			send:     make(chan []byte, 256),
			slugs:    make(map[string]bool),
		}
		h.register <- c

		go c.writePump()
		go c.readPump(r.Context())

		c.reply(reply{Action: "connected", Timestamp: time.Now()})
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket client closed unexpectedly", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid JSON message")
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg clientMessage) {
	switch msg.Action {
	case "push":
		monitorID, err := c.ingestor.Submit(ctx, msg.Token, PushRequest{
			Latency:   msg.Latency,
			StartTime: msg.StartTime,
			EndTime:   msg.EndTime,
			Custom1:   msg.Custom1,
			Custom2:   msg.Custom2,
			Custom3:   msg.Custom3,
		})
		if err != nil {
			c.sendError(errMessage(err))
			return
		}
		c.reply(reply{Action: "pushed", MonitorID: monitorID, Timestamp: time.Now()})

	case "subscribe":
		c.subscribe(msg)

	case "unsubscribe":
		if msg.Slug == "" {
			c.sendError("unsubscribe requires a slug")
			return
		}
		c.hub.unsubscribeSlug(c, msg.Slug)
		c.reply(reply{Action: "unsubscribed", Slug: msg.Slug, Timestamp: time.Now()})

	case "list_subscriptions":
		c.hub.mu.RLock()
		slugs := make([]string, 0, len(c.slugs))
		for slug := range c.slugs {
			slugs = append(slugs, slug)
		}
		c.hub.mu.RUnlock()
		c.reply(reply{Action: "subscriptions", Slugs: slugs, Timestamp: time.Now()})

	default:
		c.sendError("unknown action")
	}
}

func (c *Client) subscribe(msg clientMessage) {
	snap := c.hub.reg.Current()

	// Probe workers subscribe with their push token.
	if msg.Token != "" {
		if _, ok := snap.MonitorByToken(msg.Token); !ok {
			c.sendError("invalid token")
			return
		}
		c.hub.subscribeWorker(c, msg.Token)
		c.reply(reply{Action: "subscribed", Timestamp: time.Now()})
		return
	}

	if msg.Slug == "" {
		c.sendError("subscribe requires a slug or token")
		return
	}
	page, ok := snap.PageBySlug(msg.Slug)
	if !ok {
		c.sendError("unknown status page")
		return
	}
	if page.Password != "" && !page.PasswordMatches(msg.Password) {
		c.sendError("wrong password")
		return
	}

	c.hub.subscribeSlug(c, msg.Slug)
	c.reply(reply{Action: "subscribed", Slug: msg.Slug, Timestamp: time.Now()})
}

func errMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Msg
	}
	return "internal error"
}

func (c *Client) reply(r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(message string) {
	c.reply(reply{Action: "error", Message: message, Timestamp: time.Now()})
}

// trySend drops the frame when the client's buffer is full; a slow viewer
// must not back-pressure the hub.
func (c *Client) trySend(data []byte) {
	defer func() {
		// The send channel closes when the hub drops the client; a late
		// frame racing that close is discarded.
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}

var frameDelimiter = []byte{'\n'}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		w, err := c.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		writeBatch(w, message, c.send)
		if err := w.Close(); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// writeBatch writes a frame and folds any queued frames into the same
// websocket message, newline-delimited so clients can split them back into
// individual JSON documents.
func writeBatch(w io.Writer, first []byte, queued chan []byte) {
	_, _ = w.Write(first)
	n := len(queued)
	for i := 0; i < n; i++ {
		_, _ = w.Write(frameDelimiter)
		_, _ = w.Write(<-queued)
	}
}
