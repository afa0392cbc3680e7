// Package backend talks to the email delivery API: it exchanges API keys for
// bearer tokens and submits raw RFC 5322 messages.
package backend

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
)

// Token is a bearer token issued by the email API.
type Token struct {
	Value   string
	Expires time.Time
}

// UsableFor reports whether the token stays valid for at least d after now.
func (t Token) UsableFor(d time.Duration, now time.Time) bool {
	return t.Value != "" && now.Add(d).Before(t.Expires)
}

// Message is a relayed message together with the credentials to submit it.
type Message struct {
	Raw      []byte
	Bearer   string
	Category string
}

// Client is the email API as seen by the relay.
type Client interface {
	// Login exchanges an API key for a bearer token.
	Login(ctx context.Context, keyID int64, secret string) (Token, error)
	// SendMessage submits a raw message authorised by msg.Bearer.
	SendMessage(ctx context.Context, msg Message) error
	Close() error
}

// RPCError is returned when the email API answers with an error status.
// Detail is the human readable text supplied by the API.
type RPCError struct {
	Method string
	Code   codes.Code
	Detail string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error: code = %s desc = %s", e.Method, e.Code, e.Detail)
}

// Unwrap maps cancellation codes back to the context errors so callers can
// use errors.Is(err, context.Canceled).
func (e *RPCError) Unwrap() error {
	switch e.Code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return nil
}

// IsClientFault reports whether the API rejected the request itself, as
// opposed to being unhealthy. Client faults do not count against the circuit breaker.
func (e *RPCError) IsClientFault() bool {
	switch e.Code {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied,
		codes.NotFound, codes.FailedPrecondition, codes.AlreadyExists, codes.OutOfRange,
		codes.Canceled:
		return true
	}
	return false
}
