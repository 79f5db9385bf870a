package notary

import (
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket connection to net.Conn so a TLS client can run
// over a tunnel bridge. Binary frames carry the raw byte stream.
type wsConn struct {
	ws     *websocket.Conn
	unread []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.unread) == 0 {
		for {
			msgType, data, err := c.ws.ReadMessage()
			if err != nil {
				return 0, err
			}
			if msgType != websocket.BinaryMessage || len(data) == 0 {
				continue
			}
			c.unread = data
			break
		}
	}
	n := copy(p, c.unread)
	c.unread = c.unread[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr         { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr        { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}
func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
