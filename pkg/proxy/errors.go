package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/Sternrassler/cacheproxy/pkg/header"
	"github.com/Sternrassler/cacheproxy/pkg/origin"
	"github.com/Sternrassler/cacheproxy/pkg/uri"
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassProtocol represents malformed client requests.
	ErrorClassProtocol ErrorClass = "protocol"

	// ErrorClassMethod represents methods the proxy does not implement.
	ErrorClassMethod ErrorClass = "method"

	// ErrorClassBlocked represents requests to blocklisted hosts.
	ErrorClassBlocked ErrorClass = "blocked"

	// ErrorClassNetwork represents dial and transport failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents origins that stopped responding.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassOrigin represents unusable origin responses.
	ErrorClassOrigin ErrorClass = "origin"

	// ErrorClassInternal represents failures inside the proxy itself.
	ErrorClassInternal ErrorClass = "internal"

	// ErrorClassClient represents clients that went away or stopped
	// reading while the response was written.
	ErrorClassClient ErrorClass = "client"
)

var (
	// ErrServerClosed is returned by Serve after Shutdown or context cancellation.
	ErrServerClosed = errors.New("proxy: server closed")

	// ErrNoUpstream is returned for origin-form targets when no upstream is configured.
	ErrNoUpstream = errors.New("origin-form target without upstream")
)

// Error is a request failure with the status reported to the client.
type Error struct {
	Class   ErrorClass
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proxy %s error (status %d): %s: %v",
			e.Class, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("proxy %s error (status %d): %s",
		e.Class, e.Status, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(class ErrorClass, status int, msg string, err error) *Error {
	return &Error{Class: class, Status: status, Message: msg, Err: err}
}

// clientReadError classifies a failure while reading the request from the
// client. Timeouts here are the client's fault, not the origin's.
func clientReadError(err error) *Error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return newError(ErrorClassProtocol, http.StatusRequestTimeout, "Timed out reading request", err)
	}
	return newError(ErrorClassProtocol, http.StatusBadRequest, "Malformed request", err)
}

// clientWriteError wraps a failed write to the client. No response can be
// sent for it, so Status is 0.
func clientWriteError(err error) *Error {
	return newError(ErrorClassClient, 0, "Client write failed", err)
}

// classify maps an error from the request pipeline to an *Error.
func classify(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	var ne net.Error
	switch {
	case errors.Is(err, uri.ErrEmptyHost), errors.Is(err, uri.ErrInvalidPort), errors.Is(err, ErrNoUpstream):
		return newError(ErrorClassProtocol, http.StatusBadRequest, "Invalid request target", err)
	case errors.Is(err, header.ErrUnexpectedEOF), errors.Is(err, header.ErrHeaderTooLarge),
		errors.Is(err, header.ErrInvalidContentLength):
		return newError(ErrorClassProtocol, http.StatusBadRequest, "Invalid request headers", err)
	case errors.Is(err, origin.ErrConnect):
		return newError(ErrorClassNetwork, http.StatusBadGateway, "Could not connect to origin", err)
	case errors.Is(err, origin.ErrBadResponse):
		return newError(ErrorClassOrigin, http.StatusBadGateway, "Invalid response from origin", err)
	case errors.As(err, &ne) && ne.Timeout():
		return newError(ErrorClassTimeout, http.StatusGatewayTimeout, "Origin timed out", err)
	default:
		return newError(ErrorClassNetwork, http.StatusBadGateway, "Origin request failed", err)
	}
}
