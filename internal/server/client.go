package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/franckalain/ukcal/internal/history"
	"github.com/franckalain/ukcal/internal/logger"
	"github.com/franckalain/ukcal/internal/models"
	"github.com/franckalain/ukcal/internal/session"
	"github.com/franckalain/ukcal/internal/submission"
)

// message is the envelope of every frame in both directions
type message struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// client is one app instance: a connection with its own session, history
// store and submission flow
type client struct {
	id      string
	server  *Server
	conn    *websocket.Conn
	history *history.Store
	session *session.Manager
	flow    *submission.Flow
	log     *logger.Logger

	// outbound frames, written by writeLoop only
	send    chan message
	done    chan struct{}
	writeMu sync.Mutex
	closed  bool
}

func newClient(s *Server, id string, conn *websocket.Conn) *client {
	log := s.opts.Logger.WithComponent("server").With("client_id", id)
	h := history.NewStore(s.opts.Store, s.bus, s.opts.Logger)
	c := &client{
		id:      id,
		server:  s,
		conn:    conn,
		history: h,
		session: session.NewManager(s.opts.Records, s.opts.Store, s.opts.Tokens, h, s.opts.Logger),
		log:     log,
		send:    make(chan message, sendBufferSize),
		done:    make(chan struct{}),
	}
	c.flow = submission.NewFlow(h, submission.Options{
		Analyzer: s.opts.Analyzer,
		Fallback: s.opts.Fallback,
		Store:    s.opts.Store,
		Notifier: c,
		Timeout:  s.opts.AnalysisTimeout,
		Logger:   s.opts.Logger,
	})
	return c
}

// serve reads messages until the connection closes. In-flight submissions
// keep running and finish against persistent storage.
func (c *client) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	go c.writeLoop()
	flushed := c.history.StartFlusher(ctx, c.server.opts.FlushInterval)
	unsubscribe := c.server.bus.SubscribeMultiple([]history.EventType{
		history.EventAdded,
		history.EventProgress,
		history.EventUpdated,
		history.EventDeleted,
	}, c.push)

	defer func() {
		unsubscribe()
		cancel()
		<-flushed
		c.close()
		c.log.Info("client disconnected")
	}()

	c.log.Info("client connected")
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read failed", "error", err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("invalid message", "error", err)
			c.sendError("Invalid message format")
			continue
		}
		c.dispatch(ctx, msg)
	}
}

// dispatch runs one handler; a panic is reported to the caller instead of
// taking the connection down
func (c *client) dispatch(ctx context.Context, msg message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked", "type", msg.Type, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			c.sendError("Something went wrong, please try again")
		}
	}()

	h, ok := handlers[msg.Type]
	if !ok {
		c.sendError("Unknown message type")
		return
	}
	h(c, ctx, msg.Data)
}

// push forwards history events of the signed-in user
func (c *client) push(ev history.Event) {
	if ev.Email == "" || ev.Email != c.session.CurrentUser() {
		return
	}
	if ev.Type == history.EventDeleted {
		c.sendMessage(string(ev.Type), map[string]string{"id": ev.EntryID})
		return
	}
	c.sendMessage(string(ev.Type), ev.Entry)
}

// AnalysisCompleted notifies the signed-in user that a result is ready
func (c *client) AnalysisCompleted(email string, entry *models.AnalysisEntry, outcome submission.Outcome) {
	if email != c.session.CurrentUser() {
		c.log.Debug("completion for another user not delivered", "entry_id", entry.ID)
		return
	}
	c.sendMessage("analysis_completed", map[string]any{
		"entry":   entry,
		"outcome": outcome,
	})
}

func (c *client) sendMessage(messageType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.log.Error("encode message failed", "type", messageType, "error", err)
		return
	}
	c.write(message{Type: messageType, Data: payload})
}

func (c *client) sendError(text string) {
	c.write(message{Type: "error", Message: text})
}

// write queues msg without waiting for the peer. A peer too slow to drain
// its queue is disconnected; it resumes and reloads its history.
func (c *client) write(msg message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("outbound queue full, disconnecting", "type", msg.Type)
		c.closeLocked()
	}
}

// writeLoop is the only writer of the connection
func (c *client) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn("write failed", "type", msg.Type, "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.closeLocked()
}

func (c *client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.conn.Close()
}
