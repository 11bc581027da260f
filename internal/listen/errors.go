package listen

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

var (
	// ErrSessionTimeout ends a session that reached its lifetime cap.
	ErrSessionTimeout = errors.New("session lifetime exceeded")
	// ErrClientGone reports that the client dropped the connection.
	ErrClientGone = errors.New("client disconnected")
)

// ProtocolError rejects malformed connection parameters before a session
// starts.
type ProtocolError struct {
	Param  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Reason)
}

// ProviderError is a transcription backend failure. The session closes but
// its in-progress memory is left for recovery.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ProcessingError is a processing pipeline failure during finalization.
// The memory is discarded; the session continues.
type ProcessingError struct {
	MemoryID string
	Err      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process memory %s: %v", e.MemoryID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// FramingError is a malformed backward-sync message. Only that message is
// skipped.
type FramingError struct {
	Size   int
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("malformed sync message (%d bytes): %s", e.Size, e.Reason)
}

// CloseCode maps how a session ended to the websocket close code sent to
// the client: going-away for normal ends, internal error otherwise.
func CloseCode(err error) int {
	switch {
	case err == nil,
		errors.Is(err, ErrSessionTimeout),
		errors.Is(err, ErrClientGone),
		errors.Is(err, context.Canceled):
		return websocket.CloseGoingAway
	default:
		return websocket.CloseInternalServerErr
	}
}
