package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/adshao/go-binance/v2/common"
)

// Reason classifies a source failure.
type Reason string

const (
	ReasonInvalidEndpoint   Reason = "InvalidEndpoint"
	ReasonNotConnected      Reason = "NotConnected"
	ReasonNetworkFailure    Reason = "NetworkFailure"
	ReasonFetchFailed       Reason = "FetchFailed"
	ReasonMalformedResponse Reason = "MalformedResponse"
)

// Error is the error type returned by all Source operations. The textual
// rendering is stable so external tooling can assert on it:
//
//	SourceError: <context>: <underlying-or-None> - <detail>.
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
	return fmt.Sprintf("SourceError: %s: %s - %s.", e.Context, underlying, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

const (
	connectContext = "Error connecting to source"
	fetchContext   = "Error fetching from source"
)

func notConnectedError() *Error {
	return &Error{
		Reason:  ReasonNotConnected,
		Context: fetchContext,
		Detail:  "source is not connected",
	}
}

// classifyFetch wraps an error from the upstream client with the matching
// reason. JSON decoding failures mean the endpoint answered with something
// other than the documented payload; url/net errors are transport problems.
func classifyFetch(err error, detail string) *Error {
	reason := ReasonFetchFailed

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var apiErr *common.APIError
	var urlErr *url.Error
	var netErr net.Error

	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		reason = ReasonMalformedResponse
	case errors.As(err, &apiErr):
		reason = ReasonFetchFailed
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		reason = ReasonNetworkFailure
	}

	return &Error{
		Reason:     reason,
		Context:    fetchContext,
		Underlying: err,
		Detail:     detail,
	}
}
