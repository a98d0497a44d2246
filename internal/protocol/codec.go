package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes msg into a single frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrParse)
	}
	if err := validate(msg); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Type(), err)
	}
	data, err := json.Marshal(envelope{Type: msg.Type(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	return data, nil
}

// Decode parses one frame. Oversize frames fail with ErrFrameTooLarge, every
// other failure wraps ErrParse.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	msg, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrParse, env.Type, err)
		}
	}

	out := deref(msg)
	if err := validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func newMessage(t Type) (any, error) {
	switch t {
	case TypeRegister:
		return &Register{}, nil
	case TypeHeartbeat:
		return &Heartbeat{}, nil
	case TypeMetrics:
		return &Metrics{}, nil
	case TypeWorkloadUpdate:
		return &WorkloadUpdate{}, nil
	case TypeWorkloadLogs:
		return &WorkloadLogs{}, nil
	case TypeRegistered:
		return &Registered{}, nil
	case TypeHeartbeatAck:
		return &HeartbeatAck{}, nil
	case TypeStartWorkload:
		return &StartWorkload{}, nil
	case TypeStopWorkload:
		return &StopWorkload{}, nil
	case TypeRequestMetrics:
		return &RequestMetrics{}, nil
	case TypeError:
		return &Error{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrParse, t)
	}
}

func deref(v any) Message {
	switch m := v.(type) {
	case *Register:
		return *m
	case *Heartbeat:
		return *m
	case *Metrics:
		return *m
	case *WorkloadUpdate:
		return *m
	case *WorkloadLogs:
		return *m
	case *Registered:
		return *m
	case *HeartbeatAck:
		return *m
	case *StartWorkload:
		return *m
	case *StopWorkload:
		return *m
	case *RequestMetrics:
		return *m
	case *Error:
		return *m
	}
	return nil
}

func validate(msg Message) error {
	switch m := msg.(type) {
	case Register:
		if m.NodeID.IsZero() {
			return fmt.Errorf("%w: register without node_id", ErrParse)
		}
	case Heartbeat:
		if m.NodeID.IsZero() {
			return fmt.Errorf("%w: heartbeat without node_id", ErrParse)
		}
	case Metrics:
		if m.NodeID.IsZero() {
			return fmt.Errorf("%w: metrics without node_id", ErrParse)
		}
	case WorkloadUpdate:
		if m.WorkloadID.IsZero() || m.NewState == "" {
			return fmt.Errorf("%w: workload_update requires workload_id and new_state", ErrParse)
		}
	case WorkloadLogs:
		if m.WorkloadID.IsZero() {
			return fmt.Errorf("%w: workload_logs without workload_id", ErrParse)
		}
		if len(m.Lines) > MaxLogLines {
			return fmt.Errorf("%w: %d log lines exceeds %d", ErrParse, len(m.Lines), MaxLogLines)
		}
	case StartWorkload:
		if m.WorkloadID.IsZero() {
			return fmt.Errorf("%w: start_workload without workload_id", ErrParse)
		}
	case StopWorkload:
		if m.WorkloadID.IsZero() {
			return fmt.Errorf("%w: stop_workload without workload_id", ErrParse)
		}
	}
	return nil
}

// LineWriter writes newline-delimited frames; an alternative transport with
// the same message semantics as the framed WebSocket stream.
type LineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineWriter wraps w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// Write encodes msg followed by '\n'.
func (lw *LineWriter) Write(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// LineReader reads newline-delimited frames.
type LineReader struct {
	sc *bufio.Scanner
}

// NewLineReader wraps r. Lines longer than MaxFrameBytes fail with ErrFrameTooLarge.
func NewLineReader(r io.Reader) *LineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameBytes+1)
	return &LineReader{sc: sc}
}

// Read returns the next message or io.EOF.
func (lr *LineReader) Read() (Message, error) {
	for lr.sc.Scan() {
		line := lr.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return Decode(line)
	}
	if err := lr.sc.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}
