// Package gateway talks to the exchange: the REST transport used by the
// data-access layer, the batch dispatcher that decides between the single and
// the multi-symbol endpoint form, and the websocket ticker feed.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Transport is the network collaborator of the data-access layer. Both calls
// carry their own timeout and are never retried by the caller.
type Transport interface {
	FetchSingle(ctx context.Context, path, verb string, params map[string]string) ([]byte, error)
	// FetchBatch sends symbols as one comma-joined list.
	FetchBatch(ctx context.Context, path, verb string, symbols []string, params map[string]string) ([]byte, error)
}

var ErrTransport = errors.New("transport error")

// TransportError is a non-2xx reply or a failed round trip.
type TransportError struct {
	Status  int // 0 when no response was received
	Name    string
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("transport: %v", e.Err)
	case e.Name != "":
		return fmt.Sprintf("transport: status %d: %s: %s", e.Status, e.Name, e.Message)
	default:
		return fmt.Sprintf("transport: status %d: %s", e.Status, e.Message)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Temporary reports whether retrying later may succeed.
func (e *TransportError) Temporary() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}
