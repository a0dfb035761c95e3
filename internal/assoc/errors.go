package assoc

import (
	"errors"
	"fmt"
)

// ErrReleased is returned by ReadMessage when the peer initiates a
// graceful release. Server loops treat it as a clean end of session.
var ErrReleased = errors.New("association released by peer")

// ConnectError means the peer was unreachable or refused the TCP
// connection. Terminal for this association attempt; retryable via a new
// association.
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// NegotiationError means the peer rejected the association or refused
// every proposed presentation context. Not retryable: the same proposal
// will be rejected again.
type NegotiationError struct {
	Result uint8 // rejection result from A-ASSOCIATE-RJ, 0 for context refusal
	Reason string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("association rejected: %s", e.Reason)
}

// ProtocolError means the peer sent something the upper layer state
// machine cannot interpret: malformed PDU, unexpected PDU type, or an
// abort. Terminal for the association.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %s", e.Op, e.Msg)
}

// TimeoutError means an association operation exceeded its deadline.
// Always retryable.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsConnectError reports whether err is (or wraps) a ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsRetryable reports whether a new association attempt could succeed
// where this error occurred: connection refusals and timeouts are
// transient, negotiation and protocol errors are not.
func IsRetryable(err error) bool {
	return IsConnectError(err) || IsTimeout(err)
}
