package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"clawbernetes/internal/protocol"
	"clawbernetes/internal/session"

	"github.com/gorilla/websocket"
)

// Dialer opens a framed connection to the gateway.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (session.Conn, error)
}

// WSDialer dials the gateway over websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, url, token string) (session.Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return session.NewWSConn(conn, ""), nil
}

// link serializes writes from the heartbeat loop, workload goroutines and
// the reader.
type link struct {
	conn session.Conn
	mu   sync.Mutex
}

func (l *link) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteFrame(data)
}
