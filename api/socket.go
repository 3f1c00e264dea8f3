package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sweater-ventures/brainfreeze/app"
	"github.com/sweater-ventures/brainfreeze/db"
)

// Frame types exchanged over /ws.
const (
	FrameSubscribe = "subscribe"
	FrameEnqueue   = "enqueue"
	FrameAck       = "ack"
	FrameEvent     = "event"
	FrameReply     = "reply"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var errSocketClosed = errors.New("socket closed")

// Frame is the JSON envelope of every WebSocket message. ID is the caller's
// call id for requests and acks, and the correlation id for events and replies.
type Frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func init() {
	registerRoute(func(broker *app.Application, router *http.ServeMux) {
		router.Handle("GET /ws", routeHandler(broker, socketHandler))
	})
}

func socketHandler(broker *app.Application, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		log(r.Context()).Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sc := newSocketConn(conn, log(r.Context()))
	sc.logger.Info("Client connected", "remote_addr", r.RemoteAddr)

	go sc.keepAlive()
	sc.serve(r.Context(), broker.Manager)

	sc.Close()
	broker.Manager.UnsubscribeChannel(sc)
	sc.logger.Info("Client disconnected")
}

// socketConn is one WebSocket client. It implements app.Channel.
type socketConn struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan app.Reply

	done      chan struct{}
	closeOnce sync.Once
}

var _ app.Channel = (*socketConn)(nil)

func newSocketConn(conn *websocket.Conn, logger *slog.Logger) *socketConn {
	id := uuid.Must(uuid.NewV7()).String()
	return &socketConn{
		id:      id,
		conn:    conn,
		logger:  logger.With("channel_id", id),
		pending: make(map[string]chan app.Reply),
		done:    make(chan struct{}),
	}
}

func (c *socketConn) ID() string {
	return c.id
}

func (c *socketConn) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *socketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}

// Deliver sends an event frame and waits for the reply carrying the same
// correlation id.
func (c *socketConn) Deliver(ctx context.Context, d app.Delivery) (app.Reply, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return app.Reply{}, err
	}

	replies := make(chan app.Reply, 1)
	c.mu.Lock()
	c.pending[d.CorrelationID] = replies
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, d.CorrelationID)
		c.mu.Unlock()
	}()

	if err := c.write(Frame{Type: FrameEvent, ID: d.CorrelationID, Event: d.Event, Data: data}); err != nil {
		return app.Reply{}, err
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return app.Reply{}, ctx.Err()
	case <-c.done:
		return app.Reply{}, errSocketClosed
	}
}

func (c *socketConn) write(f Frame) error {
	if !c.Connected() {
		return errSocketClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *socketConn) writeAck(id string, ack app.Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		c.logger.Error("Failed to encode ack", "error", err)
		return
	}
	if err := c.write(Frame{Type: FrameAck, ID: id, Data: data}); err != nil {
		c.logger.Debug("Failed to send ack", "error", err, "call_id", id)
	}
}

func (c *socketConn) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// serve reads frames until the connection fails or closes.
func (c *socketConn) serve(ctx context.Context, manager *app.Manager) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Client connection lost", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		// A frame that does not decode is answered and the connection kept.
		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Debug("Malformed frame", "error", err)
			c.writeAck("", failure("", app.NewError(app.KeyArgumentError, "frame")))
			continue
		}
		c.handle(ctx, manager, f)
	}
}

func (c *socketConn) handle(ctx context.Context, manager *app.Manager, f Frame) {
	switch f.Type {
	case FrameReply:
		var reply app.Reply
		if err := json.Unmarshal(f.Data, &reply); err != nil {
			reply.Status = db.ResultFail
		}
		c.mu.Lock()
		replies, ok := c.pending[f.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Reply for unknown or expired delivery", "correlation_id", f.ID)
			return
		}
		select {
		case replies <- reply:
		default:
		}

	case FrameSubscribe:
		var req app.SubscribeRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			c.writeAck(f.ID, failure(req.RequestID, app.NewError(app.KeyArgumentError, "data")))
			return
		}
		c.writeAck(f.ID, manager.Subscribe(ctx, req, c))

	case FrameEnqueue:
		var req app.EnqueueRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			c.writeAck(f.ID, failure(req.RequestID, app.NewError(app.KeyArgumentError, "data")))
			return
		}
		c.writeAck(f.ID, manager.Enqueue(ctx, req))

	default:
		c.writeAck(f.ID, failure("", app.NewError(app.KeyArgumentError, "type")))
	}
}

func failure(requestID string, err *app.BrokerError) app.Ack {
	return app.Ack{RequestID: requestID, Status: db.ResultFail, Error: err}
}
