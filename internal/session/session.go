// Package session runs the gateway side of one node connection: a reader
// that decodes frames and runs handlers in arrival order, a writer draining a
// bounded outbound queue, and a monitor enforcing the register deadline.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"clawbernetes/internal/admission"
	"clawbernetes/internal/metrics"
	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
	"clawbernetes/pkg/config"
	"clawbernetes/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrViolation marks handler errors caused by peer misbehavior.
	ErrViolation = errors.New("protocol violation")
	ErrClosed    = errors.New("session closed")
	ErrSlowPeer  = errors.New("peer too slow")

	errHandlerTimeout = errors.New("handler timed out")
)

// CloseError returned by a handler to terminate the session with Code.
type CloseError struct {
	Code   protocol.ErrorCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// State session lifecycle state
type State int32

const (
	StateOpening State = iota
	StateAwaitingRegister
	StateRegistered
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateAwaitingRegister:
		return "awaiting_register"
	case StateRegistered:
		return "registered"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler processes decoded node messages. Calls for one session are
// sequential.
type Handler interface {
	Register(ctx context.Context, s *Session, msg protocol.Register) (protocol.Registered, error)
	Handle(ctx context.Context, s *Session, msg protocol.Message) error
	// Closed runs once before Run returns, with queued messages that were never written.
	Closed(ctx context.Context, s *Session, undelivered []protocol.Message)
}

// Guard is the per-connection admission handle.
type Guard interface {
	AdmitFrame(ctx context.Context, size int, class string) admission.Verdict
	ReportAbuse(ctx context.Context, kind admission.ViolationKind)
	Release()
}

// Options session limits
type Options struct {
	RegisterTimeout    time.Duration
	Backpressure       time.Duration
	HandlerTimeout     time.Duration
	OutboundQueue      int
	HandlerConcurrency int
	MaxViolations      int
}

// OptionsFromConfig converts millisecond config values.
func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		RegisterTimeout:    time.Duration(cfg.RegisterTimeoutMs) * time.Millisecond,
		Backpressure:       time.Duration(cfg.BackpressureMs) * time.Millisecond,
		HandlerTimeout:     time.Duration(cfg.HandlerTimeoutMs) * time.Millisecond,
		OutboundQueue:      cfg.OutboundQueueSize,
		HandlerConcurrency: cfg.HandlerConcurrency,
		MaxViolations:      cfg.MaxViolations,
	}
}

func (o *Options) applyDefaults() {
	if o.RegisterTimeout <= 0 {
		o.RegisterTimeout = 10 * time.Second
	}
	if o.Backpressure <= 0 {
		o.Backpressure = 5 * time.Second
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 256
	}
	if o.HandlerConcurrency <= 0 {
		o.HandlerConcurrency = 8
	}
	if o.MaxViolations <= 0 {
		o.MaxViolations = 3
	}
}

// Session one node connection.
type Session struct {
	id      string
	conn    Conn
	handler Handler
	guard   Guard
	opts    Options
	started time.Time

	log   atomic.Pointer[zap.SugaredLogger]
	state atomic.Int32

	mu          sync.Mutex
	nodeID      model.NodeID
	closed      bool
	closeCode   protocol.ErrorCode
	closeReason string
	closing     chan struct{}
	sending     sync.WaitGroup

	out       chan protocol.Message
	unwritten []protocol.Message // writer-owned until it exits
	sem       *semaphore.Weighted

	violations atomic.Int32
	lastSeq    uint64 // reader-owned
}

// New creates a session. guard may be nil when admission is not wired.
func New(conn Conn, handler Handler, guard Guard, opts Options) *Session {
	opts.applyDefaults()
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		handler: handler,
		guard:   guard,
		opts:    opts,
		started: time.Now(),
		closing: make(chan struct{}),
		out:     make(chan protocol.Message, opts.OutboundQueue),
		sem:     semaphore.NewWeighted(int64(opts.HandlerConcurrency)),
	}
	s.log.Store(logger.With(zap.String("session_id", s.id), zap.String("client_ip", conn.RemoteIP())))
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) RemoteIP() string     { return s.conn.RemoteIP() }
func (s *Session) State() State         { return State(s.state.Load()) }
func (s *Session) Violations() int      { return int(s.violations.Load()) }
func (s *Session) StartedAt() time.Time { return s.started }

func (s *Session) logger() *zap.SugaredLogger { return s.log.Load() }

// NodeID the registered node, if any.
func (s *Session) NodeID() (model.NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID, !s.nodeID.IsZero()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseReason code and reason of the first Close call.
func (s *Session) CloseReason() (protocol.ErrorCode, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

// Close begins shutdown. Only the first call records its code.
func (s *Session) Close(code protocol.ErrorCode, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	close(s.closing)
	s.mu.Unlock()
}

// Send enqueues msg for the writer. When the queue stays full for longer
// than the back-pressure limit the session closes with SLOW_PEER.
func (s *Session) Send(ctx context.Context, msg protocol.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.sending.Add(1)
	s.mu.Unlock()
	defer s.sending.Done()

	select {
	case s.out <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(s.opts.Backpressure)
	defer timer.Stop()
	select {
	case s.out <- msg:
		return nil
	case <-timer.C:
		s.logger().Warnf("outbound queue full for %s, closing", s.opts.Backpressure)
		if s.guard != nil {
			s.guard.ReportAbuse(context.Background(), admission.KindSlowPeer)
		}
		s.Close(protocol.CodeSlowPeer, "outbound queue full")
		return ErrSlowPeer
	case <-s.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend enqueues without waiting; used for error notifications.
func (s *Session) trySend(msg protocol.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sending.Add(1)
	s.mu.Unlock()
	defer s.sending.Done()

	select {
	case s.out <- msg:
	default:
		s.logger().Debugf("dropping %s: outbound queue full", msg.Type())
	}
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Run serves the connection until it closes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	metrics.Sessions.Inc()
	defer metrics.Sessions.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.setState(StateAwaitingRegister)
	s.logger().Infof("session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.monitor(ctx)
	}()

	select {
	case <-ctx.Done():
		s.Close(protocol.CodeNormal, "gateway shutting down")
	case <-s.closing:
	}
	s.setState(StateClosing)

	<-writerDone
	code, reason := s.CloseReason()
	if code != protocol.CodeNormal {
		if data, err := protocol.Encode(protocol.Error{Code: code, Message: reason}); err == nil {
			_ = s.conn.WriteFrame(data)
		}
	}
	_ = s.conn.Close(code, reason)
	cancel()
	wg.Wait()
	s.sending.Wait()

	undelivered := append([]protocol.Message(nil), s.unwritten...)
	for {
		select {
		case msg := <-s.out:
			undelivered = append(undelivered, msg)
			continue
		default:
		}
		break
	}
	s.handler.Closed(context.Background(), s, undelivered)
	if s.guard != nil {
		s.guard.Release()
	}

	s.setState(StateClosed)
	metrics.SessionCloses.WithLabelValues(string(code)).Inc()
	s.logger().Infof("session closed: %s %s (undelivered %d)", code, reason, len(undelivered))
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closing:
			return
		case msg := <-s.out:
			data, err := protocol.Encode(msg)
			if err != nil {
				s.logger().Errorf("failed to encode %s: %v", msg.Type(), err)
				continue
			}
			if err := s.conn.WriteFrame(data); err != nil {
				s.unwritten = append(s.unwritten, msg)
				s.logger().Warnf("write failed: %v", err)
				s.Close(protocol.CodeNormal, "write failed")
				return
			}
		}
	}
}

func (s *Session) monitor(ctx context.Context) {
	timer := time.NewTimer(s.opts.RegisterTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.closing:
	case <-timer.C:
		if s.State() == StateAwaitingRegister {
			s.logger().Warnf("no register within %s", s.opts.RegisterTimeout)
			s.Close(protocol.CodeTimeout, "register deadline exceeded")
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			if !s.Closed() {
				if !errors.Is(err, ErrConnClosed) {
					s.logger().Debugf("read failed: %v", err)
				}
				s.Close(protocol.CodeNormal, "peer disconnected")
			}
			return
		}
		if s.Closed() {
			return
		}

		if s.guard != nil {
			v := s.guard.AdmitFrame(ctx, len(data), "frame")
			switch v.Action {
			case admission.RateLimit:
				s.trySend(protocol.Error{Code: protocol.CodeAdmission, Message: v.String()})
				continue
			case admission.Block:
				s.Close(protocol.CodeAdmission, v.String())
				return
			}
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			code := protocol.CodeParseError
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				code = protocol.CodeFrameTooLarge
			}
			s.violation(ctx, code, err.Error())
		} else {
			s.dispatch(ctx, msg)
		}
		if s.Closed() {
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Register:
		s.handleRegister(ctx, m)
	case protocol.Heartbeat:
		if !s.requireRegistered(ctx, msg, m.NodeID) {
			return
		}
		if m.Sequence <= s.lastSeq {
			s.violation(ctx, protocol.CodeInvalidMessage, fmt.Sprintf("heartbeat sequence %d not above %d", m.Sequence, s.lastSeq))
			return
		}
		s.lastSeq = m.Sequence
		s.handle(ctx, msg)
	case protocol.Metrics:
		if s.requireRegistered(ctx, msg, m.NodeID) {
			s.handle(ctx, msg)
		}
	case protocol.WorkloadUpdate, protocol.WorkloadLogs:
		if s.requireRegistered(ctx, msg, model.NodeID{}) {
			s.handle(ctx, msg)
		}
	default:
		s.violation(ctx, protocol.CodeInvalidMessage, fmt.Sprintf("unexpected %s from node", msg.Type()))
	}
}

func (s *Session) requireRegistered(ctx context.Context, msg protocol.Message, claimed model.NodeID) bool {
	if s.State() != StateRegistered {
		s.violation(ctx, protocol.CodeNotRegistered, fmt.Sprintf("%s before register", msg.Type()))
		return false
	}
	if !claimed.IsZero() {
		if id, _ := s.NodeID(); id != claimed {
			s.violation(ctx, protocol.CodeInvalidMessage, fmt.Sprintf("%s for foreign node %s", msg.Type(), claimed))
			return false
		}
	}
	return true
}

func (s *Session) handleRegister(ctx context.Context, m protocol.Register) {
	if s.State() == StateRegistered {
		s.violation(ctx, protocol.CodeInvalidMessage, "already registered")
		return
	}

	var reply protocol.Registered
	err := s.runHandler(ctx, func(hctx context.Context) error {
		var err error
		reply, err = s.handler.Register(hctx, s, m)
		return err
	})
	if err != nil {
		s.handleError(ctx, err)
		return
	}

	s.mu.Lock()
	s.nodeID = m.NodeID
	s.mu.Unlock()
	s.setState(StateRegistered)
	s.log.Store(s.logger().With("node_id", m.NodeID.String()))
	s.logger().Infof("node registered from %s", m.Address)

	if err := s.Send(ctx, reply); err != nil {
		s.logger().Warnf("failed to send registered: %v", err)
	}
}

func (s *Session) handle(ctx context.Context, msg protocol.Message) {
	if err := s.runHandler(ctx, func(hctx context.Context) error {
		return s.handler.Handle(hctx, s, msg)
	}); err != nil {
		s.handleError(ctx, err)
	}
}

// runHandler runs fn under the semaphore and the handler timeout. A handler
// that outlives its timeout keeps its semaphore slot until it returns.
func (s *Session) runHandler(ctx context.Context, fn func(context.Context) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer s.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- &CloseError{Code: protocol.CodeInternal, Reason: fmt.Sprintf("handler panic: %v", r)}
			}
		}()
		done <- fn(hctx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return errHandlerTimeout
		}
		return err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errHandlerTimeout
	}
}

func (s *Session) handleError(ctx context.Context, err error) {
	var ce *CloseError
	switch {
	case errors.As(err, &ce):
		s.logger().Warnf("closing: %v", ce)
		s.Close(ce.Code, ce.Reason)
	case errors.Is(err, ErrViolation):
		s.violation(ctx, protocol.CodeInvalidMessage, err.Error())
	case errors.Is(err, errHandlerTimeout):
		s.logger().Warnf("handler exceeded %s", s.opts.HandlerTimeout)
		s.trySend(protocol.Error{Code: protocol.CodeTimeout, Message: "handler timed out"})
	case errors.Is(err, context.Canceled):
	default:
		s.logger().Warnf("handler failed: %v", err)
		s.trySend(protocol.Error{Code: protocol.CodeInternal, Message: err.Error()})
	}
}

func (s *Session) violation(ctx context.Context, code protocol.ErrorCode, msg string) {
	n := int(s.violations.Add(1))
	metrics.Violations.WithLabelValues(string(code)).Inc()
	s.logger().Warnf("violation %d/%d: %s: %s", n, s.opts.MaxViolations, code, msg)

	if s.guard != nil {
		s.guard.ReportAbuse(ctx, admission.KindProtocol)
	}
	if n >= s.opts.MaxViolations {
		if s.guard != nil {
			s.guard.ReportAbuse(ctx, admission.KindViolationLimit)
		}
		s.Close(protocol.CodeViolationLimit, fmt.Sprintf("%d protocol violations", n))
		return
	}
	s.trySend(protocol.Error{Code: code, Message: msg})
}
