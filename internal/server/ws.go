package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alumninet/chatwire/internal/wire"
	"github.com/alumninet/chatwire/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one websocket connection attached to the hub.
type client struct {
	userID   string
	username string
	pfpPath  string

	conn     *websocket.Conn
	send     chan *wire.Envelope
	stopOnce sync.Once
	done     chan struct{}
}

func (c *client) push(e *wire.Envelope) {
	select {
	case c.send <- e:
	default:
		logger.L().Sugar().Warnw("client_backpressure_drop", "user", c.userID, "type", e.Type)
	}
}

func (c *client) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// ServeWS upgrades the connection and runs the pumps. Identity arrives as
// query parameters; there is no handshake frame.
func (h *Hub) ServeWS(outBuffer int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.L().Sugar().Warnw("upgrade_failed", "err", err)
			return
		}

		c := &client{
			userID:   userID,
			username: r.URL.Query().Get("username"),
			pfpPath:  r.URL.Query().Get("pfp_path"),
			conn:     conn,
			send:     make(chan *wire.Envelope, outBuffer),
			done:     make(chan struct{}),
		}
		h.register <- c

		go c.writePump()
		go c.readPump(h)
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.L().Sugar().Warnw("read_error", "user", c.userID, "err", err)
			}
			return
		}
		env, err := wire.Unmarshal(data)
		if err != nil {
			logger.L().Sugar().Warnw("drop_malformed_frame", "user", c.userID, "err", err)
			continue
		}
		h.inbound <- inboundFrame{from: c, env: env}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case e := <-c.send:
			data, err := wire.Marshal(e)
			if err != nil {
				logger.L().Sugar().Errorw("encode_envelope", "type", e.Type, "err", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
