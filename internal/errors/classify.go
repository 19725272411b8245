package errors

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
)

// TransportResult is the raw outcome of one upstream exchange.
type TransportResult struct {
	Provider    string
	StatusCode  int
	Timeout     bool
	NoResponse  bool
	ParseFailed bool
	Err         error
}

// Classify maps a transport outcome onto the taxonomy. It returns nil for a
// successful, parseable exchange. Status codes take precedence over the
// parse flag because an error body is not expected to parse.
func Classify(r TransportResult) *ServiceError {
	if r.Timeout || r.NoResponse {
		return Network(r.Provider, r.Err)
	}

	switch {
	case r.StatusCode == http.StatusTooManyRequests:
		return RateLimited(r.Provider)
	case r.StatusCode == http.StatusNotFound:
		return NotFound("", "")
	case r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden:
		return InvalidAPIKey(r.Provider)
	case r.StatusCode >= 500:
		return UpstreamUnavailable(r.Provider, r.StatusCode)
	case r.StatusCode >= 400:
		// Any other rejection leaves us without usable data.
		return UpstreamUnavailable(r.Provider, r.StatusCode)
	}

	if r.ParseFailed {
		e := Malformed(r.Provider, "", "response body is not valid JSON")
		e.Err = r.Err
		return e
	}
	return nil
}

// FromTransportError builds a TransportResult for an error returned before
// any HTTP status was observed.
func FromTransportError(provider string, err error) TransportResult {
	return TransportResult{
		Provider:   provider,
		Timeout:    IsTimeout(err),
		NoResponse: true,
		Err:        err,
	}
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
