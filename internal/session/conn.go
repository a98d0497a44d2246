package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"clawbernetes/internal/protocol"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by Conn reads after the peer went away.
var ErrConnClosed = errors.New("connection closed")

// Conn is a framed, bidirectional transport. ReadFrame blocks until a full
// frame arrives; it is called from one goroutine. WriteFrame is called from
// one goroutine. Close may be called concurrently with both.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close(code protocol.ErrorCode, reason string) error
	RemoteIP() string
}

// readLimit hard cap on a single websocket message. Frames above
// MaxFrameBytes but below this cap are read and rejected as violations;
// anything larger terminates the connection.
const readLimit = 4 * protocol.MaxFrameBytes

const writeWait = 10 * time.Second

// WSConn adapts a gorilla websocket to Conn.
type WSConn struct {
	conn *websocket.Conn
	ip   string

	closeOnce sync.Once
}

// NewWSConn wraps conn. ip is the client address as seen by the gateway.
func NewWSConn(conn *websocket.Conn, ip string) *WSConn {
	conn.SetReadLimit(readLimit)
	if ip == "" {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			ip = host
		}
	}
	return &WSConn{conn: conn, ip: ip}
}

func (c *WSConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrConnClosed
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WSConn) WriteFrame(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame carrying code and reason, then closes the socket.
func (c *WSConn) Close(code protocol.ErrorCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		text := string(code)
		if reason != "" {
			text = fmt.Sprintf("%s: %s", code, reason)
		}
		if len(text) > 120 {
			text = text[:120]
		}
		msg := websocket.FormatCloseMessage(closeStatus(code), text)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) RemoteIP() string { return c.ip }

func closeStatus(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeNormal:
		return websocket.CloseNormalClosure
	case protocol.CodeFrameTooLarge:
		return websocket.CloseMessageTooBig
	case protocol.CodeInternal:
		return websocket.CloseInternalServerErr
	case protocol.CodeAdmission, protocol.CodeSlowPeer:
		return websocket.CloseTryAgainLater
	default:
		return websocket.ClosePolicyViolation
	}
}
