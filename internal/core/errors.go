package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrPrinterNotFound   = fmt.Errorf("printer %w", ErrNotFound)
	ErrQueueItemNotFound = fmt.Errorf("queue item %w", ErrNotFound)
	ErrFileNotFound      = fmt.Errorf("file %w", ErrNotFound)

	ErrNotConnected     = errors.New("printer not connected")
	ErrConnectionFailed = errors.New("connection failed")
	ErrCommandTimeout   = errors.New("command timeout")
	ErrWorkerCrashed    = errors.New("printer worker crashed")
	ErrQueueConflict    = errors.New("queue conflict")
	ErrDeviceBusy       = errors.New("device already in use")
	ErrInvalidCommand   = errors.New("invalid command")
	ErrInvalidState     = errors.New("invalid printer state")
)

const (
	CodeNotFound         = "not_found"
	CodeNotConnected     = "not_connected"
	CodeConnectionFailed = "connection_failed"
	CodeCommandTimeout   = "command_timeout"
	CodeWorkerCrashed    = "worker_crashed"
	CodeQueueConflict    = "queue_conflict"
	CodeDeviceBusy       = "device_busy"
	CodeInvalidRequest   = "invalid_request"
	CodeInvalidState     = "invalid_state"
	CodeInternal         = "internal"
)

var codeSentinels = []struct {
	code string
	err  error
}{
	{CodeNotFound, ErrNotFound},
	{CodeNotConnected, ErrNotConnected},
	{CodeConnectionFailed, ErrConnectionFailed},
	{CodeCommandTimeout, ErrCommandTimeout},
	{CodeWorkerCrashed, ErrWorkerCrashed},
	{CodeQueueConflict, ErrQueueConflict},
	{CodeDeviceBusy, ErrDeviceBusy},
	{CodeInvalidRequest, ErrInvalidCommand},
	{CodeInvalidState, ErrInvalidState},
}

// ErrorCode classifies err into one of the stable Code* strings.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, cs := range codeSentinels {
		if errors.Is(err, cs.err) {
			return cs.code
		}
	}
	return CodeInternal
}

// ResponseError is the error carried by a failed Response. It unwraps to the
// sentinel matching its code so errors.Is keeps working across the envelope.
type ResponseError struct {
	Code    string
	Message string
}

func (e *ResponseError) Error() string {
	return e.Message
}

func (e *ResponseError) Unwrap() error {
	for _, cs := range codeSentinels {
		if cs.code == e.Code {
			return cs.err
		}
	}
	return nil
}
