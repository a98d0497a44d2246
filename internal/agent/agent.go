// Package agent is the node side of the control plane: it keeps one
// registered session to the gateway alive across disconnects, reports health
// and runs the workloads the gateway assigns.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
	"clawbernetes/pkg/logger"
)

// ErrGaveUp returned by Run when the reconnect budget is spent.
var ErrGaveUp = errors.New("reconnect attempts exhausted")

// State reconnect state machine
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Executor runs workloads on the local machine.
type Executor interface {
	// Run blocks until the workload exits or ctx ends. logs receives output
	// lines as they are produced.
	Run(ctx context.Context, id model.WorkloadID, spec model.WorkloadSpec, logs func(lines []string)) (exitCode int, err error)
	Stop(ctx context.Context, id model.WorkloadID, grace time.Duration) error
}

// Sampler samples node telemetry.
type Sampler interface {
	Sample(ctx context.Context) ([]protocol.GPUMetric, protocol.SystemMetrics)
}

// Config agent configuration
type Config struct {
	GatewayURL      string
	AuthToken       string
	NodeID          model.NodeID
	Capabilities    model.Capabilities
	Address         string
	Version         string
	Backoff         BackoffConfig
	RegisterTimeout time.Duration
	PendingLimit    int // workload frames kept while disconnected
}

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultMetricsInterval   = 30 * time.Second
)

type running struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// Agent node agent
type Agent struct {
	cfg     Config
	dialer  Dialer
	exec    Executor
	sampler Sampler
	rnd     RandomSource
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time

	state atomic.Int32

	mu      sync.Mutex
	link    *link
	pending []protocol.Message
	running map[model.WorkloadID]*running
	wg      sync.WaitGroup
}

// New creates an agent. sampler may be nil.
func New(cfg Config, dialer Dialer, exec Executor, sampler Sampler) *Agent {
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 10 * time.Second
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 1024
	}
	if sampler == nil {
		sampler = StaticSampler{Capabilities: cfg.Capabilities}
	}
	return &Agent{
		cfg:     cfg,
		dialer:  dialer,
		exec:    exec,
		sampler: sampler,
		rnd:     globalRand{},
		now:     time.Now,
		after:   time.After,
		running: make(map[model.WorkloadID]*running),
	}
}

// SetRandomSource replaces the jitter source.
func (a *Agent) SetRandomSource(r RandomSource) { a.rnd = r }

func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) setState(s State) { a.state.Store(int32(s)) }

// Running number of workloads currently executing.
func (a *Agent) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

// Run connects and reconnects until ctx ends or the retry budget is spent.
// Workloads are cancelled and awaited before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	defer a.wg.Wait()

	attempt := 0
	for {
		a.setState(StateConnecting)
		registered, err := a.connect(ctx)
		if registered {
			attempt = 0
		}
		if ctx.Err() != nil {
			a.setState(StateDisconnected)
			return nil
		}
		if a.cfg.Backoff.Exhausted(attempt) {
			a.setState(StateFailed)
			logger.ErrorCtx(ctx, "giving up after %d reconnect attempts: %v", attempt, err)
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}

		delay := Backoff(attempt, a.cfg.Backoff, a.rnd)
		attempt++
		a.setState(StateReconnecting)
		logger.WarnCtx(ctx, "connection to %s lost: %v; retry %d in %s", a.cfg.GatewayURL, err, attempt, delay)

		select {
		case <-ctx.Done():
			a.setState(StateDisconnected)
			return nil
		case <-a.after(delay):
		}
	}
}

// connect runs one connection to completion. registered reports whether the
// gateway acknowledged the Register.
func (a *Agent) connect(ctx context.Context) (registered bool, err error) {
	conn, err := a.dialer.Dial(ctx, a.cfg.GatewayURL, a.cfg.AuthToken)
	if err != nil {
		return false, err
	}
	l := &link{conn: conn}
	done := make(chan struct{})
	defer func() {
		a.detach(l)
		close(done)
		_ = conn.Close(protocol.CodeNormal, "agent disconnecting")
	}()
	a.setState(StateConnected)

	frames := make(chan protocol.Message, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := conn.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				logger.WarnCtx(ctx, "dropping undecodable frame from gateway: %v", err)
				continue
			}
			select {
			case frames <- msg:
			case <-done:
				return
			}
		}
	}()

	if err := l.send(protocol.Register{
		NodeID:       a.cfg.NodeID,
		Capabilities: a.cfg.Capabilities,
		Address:      a.cfg.Address,
		Version:      a.cfg.Version,
	}); err != nil {
		return false, fmt.Errorf("failed to send register: %w", err)
	}

	reg, err := a.awaitRegistered(ctx, frames, readErr)
	if err != nil {
		return false, err
	}
	logger.InfoCtx(ctx, "registered with %s as %s", a.cfg.GatewayURL, a.cfg.NodeID)
	a.attach(l)

	hbEvery := durationMs(reg.HeartbeatIntervalMs, defaultHeartbeatInterval)
	metricsEvery := durationMs(reg.MetricsIntervalMs, defaultMetricsInterval)
	hb := time.NewTicker(hbEvery)
	defer hb.Stop()
	mt := time.NewTicker(metricsEvery)
	defer mt.Stop()

	var seq uint64
	heartbeat := func() error {
		seq++
		return l.send(protocol.Heartbeat{NodeID: a.cfg.NodeID, TimestampMs: a.now().UnixMilli(), Sequence: seq})
	}
	if err := heartbeat(); err != nil {
		return true, err
	}

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case <-hb.C:
			if err := heartbeat(); err != nil {
				return true, err
			}
		case <-mt.C:
			if err := l.send(a.metrics(ctx)); err != nil {
				return true, err
			}
		case msg := <-frames:
			if err := a.handle(ctx, l, msg); err != nil {
				return true, err
			}
		}
	}
}

func (a *Agent) awaitRegistered(ctx context.Context, frames <-chan protocol.Message, readErr <-chan error) (protocol.Registered, error) {
	timer := time.NewTimer(a.cfg.RegisterTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return protocol.Registered{}, ctx.Err()
		case err := <-readErr:
			return protocol.Registered{}, fmt.Errorf("connection lost before registered: %w", err)
		case <-timer.C:
			return protocol.Registered{}, errors.New("no registered acknowledgement")
		case msg := <-frames:
			switch m := msg.(type) {
			case protocol.Registered:
				return m, nil
			case protocol.Error:
				return protocol.Registered{}, fmt.Errorf("gateway rejected register: %s: %s", m.Code, m.Message)
			default:
				logger.DebugCtx(ctx, "ignoring %s before registered", msg.Type())
			}
		}
	}
}

func (a *Agent) handle(ctx context.Context, l *link, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.StartWorkload:
		a.start(ctx, m)
	case protocol.StopWorkload:
		a.stop(ctx, m.WorkloadID, time.Duration(m.GracePeriodMs)*time.Millisecond)
	case protocol.RequestMetrics:
		return l.send(a.metrics(ctx))
	case protocol.HeartbeatAck:
		logger.DebugCtx(ctx, "heartbeat %d acknowledged", m.Sequence)
	case protocol.Error:
		logger.WarnCtx(ctx, "gateway error: %s: %s", m.Code, m.Message)
	default:
		logger.DebugCtx(ctx, "ignoring unexpected %s", msg.Type())
	}
	return nil
}

func (a *Agent) metrics(ctx context.Context) protocol.Metrics {
	gpus, sys := a.sampler.Sample(ctx)
	sys.RunningJobs = a.Running()
	return protocol.Metrics{
		NodeID:        a.cfg.NodeID,
		GPUMetrics:    gpus,
		SystemMetrics: sys,
		TimestampMs:   a.now().UnixMilli(),
	}
}

// attach makes l the current link and flushes frames queued while
// disconnected. Holding mu keeps them ahead of newer frames.
func (a *Agent) attach(l *link) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.link = l
	pending := a.pending
	a.pending = nil
	for i, msg := range pending {
		if err := l.send(msg); err != nil {
			a.pending = append(a.pending, pending[i:]...)
			a.link = nil
			return
		}
	}
}

func (a *Agent) detach(l *link) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link == l {
		a.link = nil
	}
}

// emit sends a workload frame, queueing it when no link is up.
func (a *Agent) emit(msg protocol.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link != nil {
		if err := a.link.send(msg); err == nil {
			return
		}
		a.link = nil
	}
	if len(a.pending) >= a.cfg.PendingLimit {
		a.pending = a.pending[1:]
	}
	a.pending = append(a.pending, msg)
}

func durationMs(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
