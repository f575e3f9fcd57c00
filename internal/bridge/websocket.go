package bridge

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/ternarybob/salas/internal/models"
)

const wsWriteWait = 10 * time.Second

// WebSocketSink writes each event as a JSON text frame
type WebSocketSink struct {
	conn *websocket.Conn
	enc  Encoder
}

// NewWebSocketSink wraps an upgraded connection. The sink owns conn and
// closes it.
func NewWebSocketSink(conn *websocket.Conn, enc Encoder) *WebSocketSink {
	return &WebSocketSink{conn: conn, enc: enc}
}

func (s *WebSocketSink) WriteEvent(ev models.Event) error {
	payload, err := s.enc.Payload(ev)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(payload)
}

func (s *WebSocketSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Close sends a normal close frame and closes the connection
func (s *WebSocketSink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
