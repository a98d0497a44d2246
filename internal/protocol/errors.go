package protocol

import "errors"

// ErrorCode travels in Error frames and session close reasons.
type ErrorCode string

const (
	CodeParseError     ErrorCode = "PARSE_ERROR"
	CodeFrameTooLarge  ErrorCode = "FRAME_TOO_LARGE"
	CodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	CodeNotRegistered  ErrorCode = "NOT_REGISTERED"
	CodeNodeIDTaken    ErrorCode = "NODE_ID_TAKEN"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeViolationLimit ErrorCode = "VIOLATION_LIMIT"
	CodeSlowPeer       ErrorCode = "SLOW_PEER"
	CodeSuperseded     ErrorCode = "SUPERSEDED"
	CodeEvicted        ErrorCode = "EVICTED"
	CodeAdmission      ErrorCode = "ADMISSION_DENIED"
	CodeInternal       ErrorCode = "INTERNAL"
	CodeNormal         ErrorCode = "NORMAL"
)

var (
	ErrParse         = errors.New("parse error")
	ErrFrameTooLarge = errors.New("frame too large")
)
