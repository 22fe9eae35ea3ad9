package service

import (
	"net/url"

	"url-proxy-go/internal/model"
)

// State is one step of a proxy request. The variants are Incoming, Proxy,
// ProxyProcessing, Invalid and Done; Done is terminal. Every variant carries
// the original request, unchanged, for logging.
type State interface {
	OriginalRequest() *model.ProxyRequest
	isState()
}

// Incoming holds an admitted request that has not been validated yet.
type Incoming struct {
	Request *model.ProxyRequest
}

// Proxy means an upstream fetch for Target is about to be issued.
// RetriesRemaining is the redirect budget left for this request.
type Proxy struct {
	Request          *model.ProxyRequest
	Target           *url.URL
	RetriesRemaining int
}

// ProxyProcessing holds an upstream response waiting to be classified.
// Target is the URL that produced it, used to resolve relative redirects.
type ProxyProcessing struct {
	Request          *model.ProxyRequest
	Target           *url.URL
	Response         *model.ProxyResponse
	RetriesRemaining int
}

// Invalid is a failed request. It always steps to Done with the error
// rendered as a response.
type Invalid struct {
	Request *model.ProxyRequest
	Err     error
}

// Done is the terminal state. Err is set when Response was rendered from a
// failure.
type Done struct {
	Request  *model.ProxyRequest
	Response *model.ProxyResponse
	Err      error
}

func (s Incoming) OriginalRequest() *model.ProxyRequest        { return s.Request }
func (s Proxy) OriginalRequest() *model.ProxyRequest           { return s.Request }
func (s ProxyProcessing) OriginalRequest() *model.ProxyRequest { return s.Request }
func (s Invalid) OriginalRequest() *model.ProxyRequest         { return s.Request }
func (s Done) OriginalRequest() *model.ProxyRequest            { return s.Request }

func (Incoming) isState()        {}
func (Proxy) isState()           {}
func (ProxyProcessing) isState() {}
func (Invalid) isState()         {}
func (Done) isState()            {}
