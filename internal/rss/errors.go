package rss

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a per-feed fetch failure.
type ErrorKind int

const (
	// Unreachable covers connection failures and non-2xx responses.
	Unreachable ErrorKind = iota
	// Timeout means the request exceeded the per-request deadline.
	Timeout
	// ParseFailure means the document was fetched but is not a usable feed.
	ParseFailure
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ParseFailure:
		return "parse_failure"
	default:
		return "unreachable"
	}
}

// FetchError is the failure of a single feed. It never aborts a sync pass.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d", e.Kind, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// classify wraps a transport error.
func classify(feedURL string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	kind := Unreachable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = Timeout
	}
	return &FetchError{Kind: kind, URL: feedURL, Err: err}
}

// IsKind reports whether err is a FetchError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}
