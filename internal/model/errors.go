package model

import "errors"

// ProxyError is a terminal proxy failure. Its string value is the tag
// rendered into the response body.
type ProxyError string

func (e ProxyError) Error() string { return string(e) }

// Proxy error tags.
const (
	ErrNoQueryParameter   ProxyError = "NoQueryParameter"
	ErrInvalidURL         ProxyError = "InvalidUrl"
	ErrTooManyRedirects   ProxyError = "TooManyRedirects"
	ErrBadRedirect        ProxyError = "BadRedirect"
	ErrInvalidContentType ProxyError = "InvalidContentType"
	ErrRequestFailed      ProxyError = "RequestFailed"
)

// AsProxyError returns the ProxyError carried in err's chain. Errors that
// carry none are reported as ErrRequestFailed.
func AsProxyError(err error) ProxyError {
	var pe ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return ErrRequestFailed
}
