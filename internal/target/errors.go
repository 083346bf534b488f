package target

import "fmt"

// Reason classifies a target failure.
type Reason string

const (
	ReasonInvalidEndpoint Reason = "InvalidEndpoint"
	ReasonNotConnected    Reason = "NotConnected"
	ReasonNetworkFailure  Reason = "NetworkFailure"
	ReasonWriteFailed     Reason = "WriteFailed"
)

// Error is the error type returned by all Target operations. The textual
// rendering is stable so external tooling can assert on it:
//
//	TargetError: <context>: <underlying-or-None> - <detail>.
type Error struct {
	Reason     Reason
	Context    string
	Underlying error
	Detail     string
}

func (e *Error) Error() string {
	underlying := "None"
	if e.Underlying != nil {
		underlying = e.Underlying.Error()
	}
	return fmt.Sprintf("TargetError: %s: %s - %s.", e.Context, underlying, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

const (
	connectContext = "Error connecting to target"
	writeContext   = "Error writing to target"
)

func notConnectedError() *Error {
	return &Error{
		Reason:  ReasonNotConnected,
		Context: writeContext,
		Detail:  "target is not connected",
	}
}
