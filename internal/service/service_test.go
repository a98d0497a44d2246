package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"clawbernetes/internal/alert"
	"clawbernetes/internal/dispatcher"
	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/service/logbuf"
	"clawbernetes/internal/session"
	"clawbernetes/internal/workload"

	"github.com/stretchr/testify/require"
)

// chanConn in-memory session transport
type chanConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	closeCode protocol.ErrorCode
}

func newChanConn() *chanConn {
	return &chanConn{in: make(chan []byte, 16), out: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *chanConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, session.ErrConnClosed
	}
}

func (c *chanConn) WriteFrame(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return session.ErrConnClosed
	}
}

func (c *chanConn) Close(code protocol.ErrorCode, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *chanConn) RemoteIP() string { return "10.0.0.1" }

func (c *chanConn) code() protocol.ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *chanConn) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.in <- data
}

func (c *chanConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case data := <-c.out:
		msg, err := protocol.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

type fixture struct {
	reg     *registry.Registry
	wm      *workload.Manager
	d       *dispatcher.Dispatcher
	logs    *logbuf.Buffer
	alerts  *alert.Manager
	nodes   *NodeService
	cluster *ClusterService
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		reg: registry.New(registry.Options{HeartbeatInterval: 10 * time.Second}),
		wm:  workload.NewManager(nil),
	}
	f.d = dispatcher.New(f.reg, f.wm, dispatcher.Options{SendTimeout: time.Second})
	f.logs = logbuf.New(100, 100)
	f.alerts = alert.NewManager(nil, nil)
	f.nodes = NewNodeService(f.reg, f.wm, f.d, f.logs, 2*time.Second)
	f.cluster = NewClusterService(f.reg, f.wm, f.d, f.logs, f.alerts)
	return f
}

type liveNode struct {
	id   model.NodeID
	conn *chanConn
	sess *session.Session
	done chan struct{}
}

func cpuCaps() model.Capabilities {
	return model.Capabilities{
		Tags:          []string{model.TagSystem, model.TagDocker},
		CPUMillicores: 8000,
		MemoryBytes:   16 * model.GiB,
	}
}

// connect runs a session for id and completes registration.
func (f *fixture) connect(t *testing.T, id model.NodeID) *liveNode {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	n := &liveNode{id: id, conn: newChanConn(), done: make(chan struct{})}
	n.sess = session.New(n.conn, f.nodes, nil, session.Options{RegisterTimeout: time.Second})
	go func() {
		defer close(n.done)
		n.sess.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-n.done
	})

	n.conn.push(t, protocol.Register{NodeID: id, Capabilities: cpuCaps(), Address: "10.0.0.1:9000"})
	reply := n.conn.next(t)
	_, ok := reply.(protocol.Registered)
	require.True(t, ok, "expected registered, got %T", reply)
	return n
}

func (n *liveNode) wait(t *testing.T) {
	t.Helper()
	select {
	case <-n.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
}

func cpuSpec() model.WorkloadSpec {
	return model.WorkloadSpec{
		Image:       "busybox:latest",
		Command:     []string{"echo", "hi"},
		Resources:   model.Resources{CPUMillicores: 1000, MemoryBytes: model.GiB},
		TimeoutSecs: 60,
	}
}
