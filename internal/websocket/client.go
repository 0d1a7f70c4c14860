package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Wire timing: the server pings every pingPeriod, the peer's pongs push
	// the read deadline forward. pingPeriod must stay under pongWait or a
	// healthy connection would time out between pings.
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// The protocol is server-push only; the peer sends nothing but control
	// frames, so inbound frames are capped tight.
	maxMessageSize = 512

	// sendBufferSize is how far a subscriber may fall behind before the hub
	// drops it.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket switch. Origin checks are the
// reverse proxy's job in deployment.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is one subscriber connection. The hub feeds events into send; the
// write loop moves them onto the wire. The topic set is fixed at connect
// time and read-only afterwards.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	topics []string
	logger *zap.Logger
}

// NewClient upgrades the request and wraps the connection. A failed upgrade
// has already written its HTTP error response.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run subscribes the client and delivers events until either side ends the
// connection. It blocks; the HTTP handler calls it directly since the
// upgrade has already taken over the connection.
//
// Teardown converges from both directions: when the hub drops the client its
// send channel closes and the write loop exits, closing the connection and
// waking the reader; when the peer goes away the reader exits and
// unsubscribes, which closes send and stops the writer.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.readLoop()
	c.writeLoop()
}

// readLoop consumes frames until the connection dies. Its only jobs are
// refreshing the read deadline on each pong and noticing the peer went away.
func (c *Client) readLoop() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws connection ended unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop serializes all writes to the connection: queued events and the
// keepalive pings. It is the sole writer; gorilla connections do not allow
// concurrent writes.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Dropped by the hub; tell the peer before hanging up.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug("ws write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
