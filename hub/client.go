package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/capdesk/forms"
	"github.com/hazyhaar/capdesk/idgen"
	"github.com/hazyhaar/capdesk/shield"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 1 << 20
	sendQueue  = 32
)

var clientIDs = idgen.Prefixed("ws_", idgen.Short(10))

type client struct {
	id      string
	channel string
	conn    *websocket.Conn
	send    chan []byte
}

func (h *Hub) serveWS(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := shield.GetLogger(r.Context()).With("channel", channel)
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("hub: upgrade failed", "error", err)
			return
		}
		c := &client{
			id:      clientIDs(),
			channel: channel,
			conn:    conn,
			send:    make(chan []byte, sendQueue),
		}
		if !h.register(c) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closed"),
				time.Now().Add(writeWait))
			conn.Close()
			return
		}
		logger.Info("hub: client connected", "client", c.id)

		go h.writePump(c)
		h.readPump(c)
		logger.Info("hub: client disconnected", "client", c.id)
	}
}

// writePump owns every write on the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	c.conn.SetReadLimit(maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("hub: read failed", "channel", c.channel, "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleInbound(c, data)
	}
}

// handleInbound records form responses. Anything else is logged and
// ignored.
func (h *Hub) handleInbound(c *client, data []byte) {
	logger := h.logger.With("channel", c.channel, "client", c.id)
	if c.channel != ChannelForm {
		logger.Debug("hub: ignoring inbound frame", "bytes", len(data))
		return
	}
	var r forms.Response
	if err := json.Unmarshal(data, &r); err != nil {
		logger.Warn("hub: malformed form response", "error", err)
		return
	}
	if r.Type != forms.ResponseType || r.FormID == "" {
		logger.Warn("hub: unexpected frame on form channel", "type", r.Type)
		return
	}
	switch r.Status {
	case forms.Submitted, forms.Cancelled:
	default:
		logger.Warn("hub: unknown response status", "status", r.Status)
		return
	}
	logger.Info("hub: form response", "form_id", r.FormID, "status", r.Status)
	h.recordResponse(r)
}
