package internal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMsgSize     = 8192
	sendQueueDepth = 256
)

const (
	// CloseServerDisconnect is the close code the server uses when it drops a client on
	// purpose; clients reconnect immediately instead of backing off.
	CloseServerDisconnect = 4000
	// CloseRemoved means an admin took the connection out of its room. Clients do
	// not reconnect.
	CloseRemoved = 4001
)

// Connection wraps a single websocket and its buffered outbound queue. Only the
// read goroutine mutates the joined state; the mutex is for readers elsewhere.
type Connection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	logger *slog.Logger

	closeOnce   sync.Once
	closeFrame  []byte
	cleanupOnce sync.Once

	mutex       sync.Mutex
	roomKey     string
	quotationID string
	participant Participant
}

func newConnection(conn *websocket.Conn, logger *slog.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueDepth),
		closed: make(chan struct{}),
		logger: logger.With("conn", id),
	}
}

func (c *Connection) ID() string {
	return c.id
}

// Enqueue never blocks. A client too slow to drain its queue is disconnected so
// that it cannot hold up the rest of its room.
func (c *Connection) Enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.logger.Warn("send queue full, dropping connection")
		c.shutdown(websocket.ClosePolicyViolation, "too slow")
		return false
	}
}

func (c *Connection) sendEvent(ev Event) {
	payload, err := EncodeEvent(ev)
	if err != nil {
		c.logger.Error("encode event", "event", ev.EventName(), "error", err)
		return
	}
	c.Enqueue(payload)
}

func (c *Connection) replyError(code ErrorCode, message string) {
	c.sendEvent(ErrorEvent{Code: code, Message: message})
}

// shutdown asks the write pump to send a close frame and drop the socket, which
// in turn ends the read pump and runs the disconnect cleanup. It never blocks.
func (c *Connection) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeFrame = websocket.FormatCloseMessage(code, reason)
		close(c.closed)
	})
}

func (c *Connection) joined() (roomKey, quotationID string, participant Participant, ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.roomKey, c.quotationID, c.participant, c.roomKey != ""
}

func (c *Connection) setJoined(roomKey, quotationID string, participant Participant) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.roomKey, c.quotationID, c.participant = roomKey, quotationID, participant
}

func (c *Connection) clearJoined() (roomKey string, participant Participant, ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	roomKey, participant, ok = c.roomKey, c.participant, c.roomKey != ""
	c.roomKey, c.quotationID, c.participant = "", "", Participant{}
	return roomKey, participant, ok
}

func (c *Connection) readPump(server *Server) {
	defer server.disconnect(c)
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Info("connection lost", "error", err)
			}
			// read error ends the loop so the deferred cleanup can fire.
			return
		}
		server.handleFrame(c, payload)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage, c.closeFrame, time.Now().Add(writeWait))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
