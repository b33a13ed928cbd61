package xrpc

import "net/http"

// BearerTransport attaches a static Bearer token to every request. Used for
// password-based sessions, where tokens are not sender-constrained.
type BearerTransport struct {
	base  http.RoundTripper
	token string
}

func NewBearerTransport(base http.RoundTripper, token string) *BearerTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &BearerTransport{base: base, token: token}
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
