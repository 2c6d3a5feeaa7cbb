package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"github.com/mcpmessenger/mcp-gateway/jobs"
)

// WebSocket client message types.
const (
	wsSubscribe   = "subscribe"
	wsUnsubscribe = "unsubscribe"
	wsPing        = "ping"
)

const (
	wsWriteTimeout = 10 * time.Second
	// wsOutboundBuffer bounds the per-connection send queue shared by all of
	// the connection's subscriptions.
	wsOutboundBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin; CORS policy is enforced by the
	// router for the REST surface and by deployment config here.
	CheckOrigin: func(*http.Request) bool { return true },
}

type (
	// wsClientMessage is what clients send: an action plus the job it targets.
	wsClientMessage struct {
		Type  string `json:"type"`
		JobID string `json:"jobId,omitempty"`
	}

	// wsServerMessage is what the gateway sends back. Job updates embed the
	// tracker update fields directly.
	wsServerMessage struct {
		Type     string      `json:"type"`
		JobID    string      `json:"jobId,omitempty"`
		Status   jobs.Status `json:"status,omitempty"`
		Progress int         `json:"progress,omitempty"`
		Message  string      `json:"message,omitempty"`
		Error    string      `json:"error,omitempty"`
		Asset    *jobs.Asset `json:"asset,omitempty"`
	}

	// wsConn is one upgraded connection: a read loop handling client actions
	// and a single write loop draining the outbound queue, so concurrent
	// subscription pumps never interleave writes.
	wsConn struct {
		gw       *Gateway
		conn     *websocket.Conn
		outbound chan wsServerMessage
		subs     map[string]*jobs.Subscription
	}
)

// serveWS handles GET /ws.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Debugf(ctx, "websocket upgrade failed: %v", err)
		return
	}
	c := &wsConn{
		gw:       g,
		conn:     conn,
		outbound: make(chan wsServerMessage, wsOutboundBuffer),
		subs:     make(map[string]*jobs.Subscription),
	}
	c.run(ctx)
}

func (c *wsConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = c.conn.Close() }()
	defer func() {
		for _, sub := range c.subs {
			sub.Close()
		}
	}()

	go c.writeLoop(ctx)

	c.send(ctx, wsServerMessage{Type: "connected"})
	c.readLoop(ctx)
}

// readLoop handles client actions until the connection drops. Subscriptions
// belong to the read loop; only it touches c.subs.
func (c *wsConn) readLoop(ctx context.Context) {
	for {
		var msg wsClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf(ctx, "websocket read: %v", err)
			}
			return
		}
		switch msg.Type {
		case wsPing:
			c.send(ctx, wsServerMessage{Type: "pong"})
		case wsSubscribe:
			c.subscribe(ctx, msg.JobID)
		case wsUnsubscribe:
			if sub, ok := c.subs[msg.JobID]; ok {
				sub.Close()
				delete(c.subs, msg.JobID)
			}
		default:
			c.send(ctx, wsServerMessage{Type: jobs.UpdateError, Error: "unknown message type"})
		}
	}
}

// subscribe registers for the job's updates and replies with the current
// snapshot so the client never waits for the next transition to learn the
// state.
func (c *wsConn) subscribe(ctx context.Context, jobID string) {
	if jobID == "" {
		c.send(ctx, wsServerMessage{Type: jobs.UpdateError, Error: "jobId is required"})
		return
	}
	if _, ok := c.subs[jobID]; ok {
		return
	}

	sub := c.gw.tracker.Subscribe(jobID)

	job, err := c.gw.jobs.GetJob(ctx, jobID)
	if err != nil {
		sub.Close()
		c.send(ctx, wsServerMessage{Type: jobs.UpdateError, JobID: jobID, Error: "job not found"})
		return
	}
	c.subs[jobID] = sub

	snapshot := wsServerMessage{
		Type:     jobs.UpdateStatus,
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.ProgressMessage,
		Error:    job.ErrorMessage,
	}
	if job.Status.Terminal() {
		snapshot.Type = jobs.UpdateComplete
		if latest, err := c.gw.jobs.LatestAsset(ctx, jobID); err == nil {
			snapshot.Asset = latest
		}
	}
	c.send(ctx, snapshot)

	go c.pump(ctx, sub)
}

// pump forwards one subscription's updates onto the shared outbound queue.
func (c *wsConn) pump(ctx context.Context, sub *jobs.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.Updates():
			if !ok {
				return
			}
			c.send(ctx, wsServerMessage{
				Type:     u.Kind,
				JobID:    u.JobID,
				Status:   u.Status,
				Progress: u.Progress,
				Message:  u.Message,
				Error:    u.Error,
				Asset:    u.Asset,
			})
		}
	}
}

// send queues a message for the write loop, dropping it when the client has
// stopped draining.
func (c *wsConn) send(ctx context.Context, msg wsServerMessage) {
	select {
	case c.outbound <- msg:
	case <-ctx.Done():
	default:
		log.Printf(ctx, "websocket client lagging, dropping %s", msg.Type)
	}
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debugf(ctx, "websocket write: %v", err)
				return
			}
		}
	}
}
