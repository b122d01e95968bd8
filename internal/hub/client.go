package hub

import (
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collaborative-diagram/internal/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Connection lifecycle states.
const (
	stateConnecting   = "connecting"
	stateJoined       = "joined"
	stateDisconnected = "disconnected"
)

// Client is one websocket connection. Its mutable fields (roomID, state,
// cursor throttle) are only touched from its own readPump goroutine; the hub
// reaches it solely through the buffered send channel.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity domain.Identity

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	state      string
	roomID     string
	lastCursor time.Time
}

func NewClient(hub *Hub, conn *websocket.Conn, identity domain.Identity) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, 256),
		state:    stateConnecting,
	}
}

func (c *Client) UserID() string { return c.identity.UserID }
func (c *Client) RoomID() string { return c.roomID }

// Run starts the read and write pumps.
func (c *Client) Run() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) CloseConn() { c.conn.Close() }

// readPump reads frames from the socket and dispatches them to the hub in
// order. Processing here (not in a shared hub goroutine) preserves per-sender
// ordering while distinct rooms proceed in parallel.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.recordPong(appData)
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			logCtx := logrus.WithFields(logrus.Fields{"user_id": c.identity.UserID, "room_id": c.roomID})
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logCtx.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				logCtx.Debug("WebSocket connection closed")
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.hub.HandleFrame(c, message)
	}
}

// recordPong parses the ping timestamp echoed in the pong and feeds the
// round trip into the member's rolling latency average.
func (c *Client) recordPong(appData string) {
	if appData == "" || c.state != stateJoined {
		return
	}
	sentNano, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return
	}
	rtt := time.Since(time.Unix(0, sentNano))
	c.hub.registry.RecordLatency(c.roomID, c.identity.UserID, float64(rtt.Microseconds())/1000.0)
}

// writePump drains the send channel and keeps the connection alive with
// periodic pings carrying a send timestamp for latency sampling.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logrus.WithFields(logrus.Fields{"user_id": c.identity.UserID, "room_id": c.roomID}).
					WithError(err).Warn("Failed to write message to websocket")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			payload := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
			if err := c.conn.WriteMessage(websocket.PingMessage, payload); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the client without blocking; a full buffer means
// the client is lagging and the frame is dropped. Safe against a concurrent
// closeSend from the disconnect path.
func (c *Client) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound queue exactly once, stopping the write pump.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
