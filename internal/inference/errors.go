package inference

import (
	"errors"
	"fmt"
)

// Sentinel errors for the classification call failure taxonomy. Callers
// select user-facing messaging by matching these with errors.Is/As.
var (
	// ErrTimeout indicates the client-side deadline elapsed before a response arrived.
	ErrTimeout = errors.New("inference request timed out")

	// ErrUnreachable indicates the request was sent but no response was received.
	ErrUnreachable = errors.New("inference service unreachable")

	// ErrMalformedResponse indicates the HTTP call succeeded but the body did
	// not carry the required prediction fields.
	ErrMalformedResponse = errors.New("malformed inference response")
)

// ServerRejectedError carries a non-2xx status and the server-supplied
// message, when one was present in the error body.
type ServerRejectedError struct {
	Status  int
	Message string
}

func (e *ServerRejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("inference server rejected request (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("inference server rejected request (status %d)", e.Status)
}
