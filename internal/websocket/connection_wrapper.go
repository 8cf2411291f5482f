package websocket

import (
	"github.com/gorilla/websocket"
)

// conn adapts *websocket.Conn to Connection.
type conn struct {
	*websocket.Conn
}

func wrapConn(c *websocket.Conn) Connection {
	return conn{Conn: c}
}

// RemoteAddr returns the peer address as text.
func (c conn) RemoteAddr() string {
	if addr := c.Conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
