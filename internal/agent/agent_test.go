package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
	"clawbernetes/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 16), out: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, session.ErrConnClosed
	}
}

func (c *pipeConn) WriteFrame(data []byte) error {
	select {
	case <-c.done:
		return session.ErrConnClosed
	case c.out <- data:
		return nil
	}
}

func (c *pipeConn) Close(protocol.ErrorCode, string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) RemoteIP() string { return "127.0.0.1" }

// send delivers msg to the agent as if from the gateway.
func (c *pipeConn) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.in <- data
}

// next returns the next agent frame of type want, skipping telemetry.
func (c *pipeConn) next(t *testing.T, want protocol.Type) protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.out:
			msg, err := protocol.Decode(data)
			require.NoError(t, err)
			if msg.Type() == want {
				return msg
			}
			if msg.Type() != protocol.TypeHeartbeat && msg.Type() != protocol.TypeMetrics {
				t.Fatalf("expected %s, got %s", want, msg.Type())
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

var errRefused = errors.New("connection refused")

type fakeDialer struct {
	conns chan *pipeConn // nil entries fail the dial
	mu    sync.Mutex
	dials int
}

func newFakeDialer() *fakeDialer { return &fakeDialer{conns: make(chan *pipeConn, 16)} }

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (session.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	select {
	case c := <-d.conns:
		if c == nil {
			return nil, errRefused
		}
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeExecutor struct {
	logs  []string
	exit  int
	block chan struct{}

	mu    sync.Mutex
	stops []model.WorkloadID
}

func (e *fakeExecutor) Run(ctx context.Context, id model.WorkloadID, spec model.WorkloadSpec, logs func([]string)) (int, error) {
	if len(e.logs) > 0 {
		logs(e.logs)
	}
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	return e.exit, nil
}

func (e *fakeExecutor) Stop(ctx context.Context, id model.WorkloadID, grace time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops = append(e.stops, id)
	return nil
}

type delays struct {
	mu sync.Mutex
	d  []time.Duration
}

func (r *delays) after(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.d = append(r.d, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (r *delays) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.d...)
}

type testAgent struct {
	a      *Agent
	dialer *fakeDialer
	exec   *fakeExecutor
	delays *delays
	cancel context.CancelFunc
	done   chan error
}

func startAgent(t *testing.T, backoff BackoffConfig, exec *fakeExecutor) *testAgent {
	t.Helper()
	if exec == nil {
		exec = &fakeExecutor{}
	}
	ta := &testAgent{dialer: newFakeDialer(), exec: exec, delays: &delays{}, done: make(chan error, 1)}
	ta.a = New(Config{
		GatewayURL: "ws://gateway.test/",
		NodeID:     model.NewNodeID(),
		Capabilities: model.Capabilities{
			Tags:          []string{model.TagGPU, model.TagNvidia, model.TagDocker},
			GPUs:          []model.GPUInfo{{Index: 0, Vendor: "nvidia", VRAMBytes: 80 * model.GiB, FreeVRAMBytes: 80 * model.GiB}},
			CPUMillicores: 8000,
			MemoryBytes:   32 * model.GiB,
		},
		Address: "10.0.0.9:9000",
		Backoff: backoff,
	}, ta.dialer, exec, nil)
	ta.a.SetRandomSource(fixedRand(0.5))
	ta.a.after = ta.delays.after

	ctx, cancel := context.WithCancel(context.Background())
	ta.cancel = cancel
	go func() { ta.done <- ta.a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ta.done:
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return ta
}

// connect hands the agent a connection and completes registration.
func (ta *testAgent) connect(t *testing.T, hbMs int64) *pipeConn {
	t.Helper()
	c := newPipeConn()
	ta.dialer.conns <- c
	reg := c.next(t, protocol.TypeRegister).(protocol.Register)
	assert.Equal(t, ta.a.cfg.NodeID, reg.NodeID)
	c.send(t, protocol.Registered{HeartbeatIntervalMs: hbMs, MetricsIntervalMs: 3_600_000, NodeToken: "tok"})
	return c
}

func TestAgent_RegistersAndHeartbeats(t *testing.T) {
	ta := startAgent(t, DefaultBackoff(), nil)
	c := ta.connect(t, 20)

	for want := uint64(1); want <= 3; want++ {
		hb := c.next(t, protocol.TypeHeartbeat).(protocol.Heartbeat)
		assert.Equal(t, want, hb.Sequence)
		assert.Equal(t, ta.a.cfg.NodeID, hb.NodeID)
	}
	assert.Equal(t, StateConnected, ta.a.State())
}

func TestAgent_ReconnectReplaysIdentity(t *testing.T) {
	ta := startAgent(t, DefaultBackoff(), nil)
	first := ta.connect(t, 3_600_000)
	assert.Equal(t, uint64(1), first.next(t, protocol.TypeHeartbeat).(protocol.Heartbeat).Sequence)

	first.Close(protocol.CodeNormal, "")

	second := ta.connect(t, 3_600_000)
	assert.Equal(t, uint64(1), second.next(t, protocol.TypeHeartbeat).(protocol.Heartbeat).Sequence)
	assert.Equal(t, []time.Duration{time.Second}, ta.delays.get())
}

func TestAgent_BackoffGrowsAndResetsAfterRegistered(t *testing.T) {
	ta := startAgent(t, DefaultBackoff(), nil)
	ta.dialer.conns <- nil
	ta.dialer.conns <- nil
	ta.dialer.conns <- nil
	c := ta.connect(t, 3_600_000)
	c.next(t, protocol.TypeHeartbeat)
	c.Close(protocol.CodeNormal, "")

	require.Eventually(t, func() bool { return len(ta.delays.get()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, time.Second}, ta.delays.get())
}

func TestAgent_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg := DefaultBackoff()
	cfg.MaxAttempts = 2
	ta := startAgent(t, cfg, nil)
	for i := 0; i < 3; i++ {
		ta.dialer.conns <- nil
	}

	select {
	case err := <-ta.done:
		require.ErrorIs(t, err, ErrGaveUp)
		ta.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("agent kept retrying")
	}
	assert.Equal(t, StateFailed, ta.a.State())
	assert.Equal(t, 3, ta.dialer.count())
}

func TestAgent_RegisterRejected(t *testing.T) {
	ta := startAgent(t, DefaultBackoff(), nil)
	c := newPipeConn()
	ta.dialer.conns <- c
	c.next(t, protocol.TypeRegister)
	c.send(t, protocol.Error{Code: protocol.CodeNodeIDTaken, Message: "already connected"})

	require.Eventually(t, func() bool { return len(ta.delays.get()) == 1 }, 2*time.Second, 5*time.Millisecond)
	ta.connect(t, 3_600_000)
}

func TestAgent_RunsWorkload(t *testing.T) {
	ta := startAgent(t, DefaultBackoff(), &fakeExecutor{logs: []string{"epoch 1", "epoch 2"}})
	c := ta.connect(t, 3_600_000)

	id := model.NewWorkloadID()
	c.send(t, protocol.StartWorkload{WorkloadID: id, Spec: model.WorkloadSpec{Image: "img:1", TimeoutSecs: 60}})

	running := c.next(t, protocol.TypeWorkloadUpdate).(protocol.WorkloadUpdate)
	assert.Equal(t, model.WorkloadRunning, running.NewState)
	assert.Equal(t, id, running.WorkloadID)

	logs := c.next(t, protocol.TypeWorkloadLogs).(protocol.WorkloadLogs)
	assert.Equal(t, []string{"epoch 1", "epoch 2"}, logs.Lines)

	done := c.next(t, protocol.TypeWorkloadUpdate).(protocol.WorkloadUpdate)
	assert.Equal(t, model.WorkloadCompleted, done.NewState)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.GreaterOrEqual(t, done.TimestampMs, running.TimestampMs)
}

func TestAgent_NonZeroExitFails(t *testing.T) {
	ta := startAgent(t, DefaultBackoff(), &fakeExecutor{exit: 3})
	c := ta.connect(t, 3_600_000)

	c.send(t, protocol.StartWorkload{WorkloadID: model.NewWorkloadID(), Spec: model.WorkloadSpec{Image: "img:1"}})
	c.next(t, protocol.TypeWorkloadUpdate)
	done := c.next(t, protocol.TypeWorkloadUpdate).(protocol.WorkloadUpdate)
	assert.Equal(t, model.WorkloadFailed, done.NewState)
	assert.Equal(t, 3, *done.ExitCode)
}

func TestAgent_TimeoutReportsReason(t *testing.T) {
	ta := startAgent(t, DefaultBackoff(), &fakeExecutor{block: make(chan struct{})})
	c := ta.connect(t, 3_600_000)

	c.send(t, protocol.StartWorkload{WorkloadID: model.NewWorkloadID(), Spec: model.WorkloadSpec{Image: "img:1", TimeoutSecs: 1}})
	c.next(t, protocol.TypeWorkloadUpdate)
	done := c.next(t, protocol.TypeWorkloadUpdate).(protocol.WorkloadUpdate)
	assert.Equal(t, model.WorkloadFailed, done.NewState)
	assert.Equal(t, model.ReasonTimeout, done.Reason)
}

func TestAgent_StopWorkload(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{})}
	ta := startAgent(t, DefaultBackoff(), exec)
	c := ta.connect(t, 3_600_000)

	id := model.NewWorkloadID()
	c.send(t, protocol.StartWorkload{WorkloadID: id, Spec: model.WorkloadSpec{Image: "img:1"}})
	c.next(t, protocol.TypeWorkloadUpdate)
	require.Eventually(t, func() bool { return ta.a.Running() == 1 }, time.Second, 5*time.Millisecond)

	c.send(t, protocol.StopWorkload{WorkloadID: id, GracePeriodMs: 100})
	done := c.next(t, protocol.TypeWorkloadUpdate).(protocol.WorkloadUpdate)
	assert.Equal(t, model.WorkloadCancelled, done.NewState)

	exec.mu.Lock()
	assert.Equal(t, []model.WorkloadID{id}, exec.stops)
	exec.mu.Unlock()
	require.Eventually(t, func() bool { return ta.a.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAgent_RequestMetrics(t *testing.T) {
	ta := startAgent(t, DefaultBackoff(), nil)
	c := ta.connect(t, 3_600_000)
	c.next(t, protocol.TypeHeartbeat)

	c.send(t, protocol.RequestMetrics{})
	m := c.next(t, protocol.TypeMetrics).(protocol.Metrics)
	assert.Equal(t, ta.a.cfg.NodeID, m.NodeID)
	require.Len(t, m.GPUMetrics, 1)
	assert.Equal(t, 80*model.GiB, m.GPUMetrics[0].MemoryFree)
}

func TestAgent_FlushesUpdatesAfterReconnect(t *testing.T) {
	exec := &fakeExecutor{block: make(chan struct{})}
	ta := startAgent(t, DefaultBackoff(), exec)
	first := ta.connect(t, 3_600_000)

	id := model.NewWorkloadID()
	first.send(t, protocol.StartWorkload{WorkloadID: id, Spec: model.WorkloadSpec{Image: "img:1"}})
	first.next(t, protocol.TypeWorkloadUpdate)
	first.Close(protocol.CodeNormal, "")
	require.Eventually(t, func() bool { return ta.a.State() != StateConnected }, time.Second, 5*time.Millisecond)

	close(exec.block)
	require.Eventually(t, func() bool { return ta.a.Running() == 0 }, time.Second, 5*time.Millisecond)

	second := ta.connect(t, 3_600_000)
	done := second.next(t, protocol.TypeWorkloadUpdate).(protocol.WorkloadUpdate)
	assert.Equal(t, id, done.WorkloadID)
	assert.Equal(t, model.WorkloadCompleted, done.NewState)
}
