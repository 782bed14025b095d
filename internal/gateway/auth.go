package gateway

import (
	"net/http"
)

// Authenticator attaches credentials to every gateway request. Reset drops
// any cached session state so the next request authenticates from scratch.
type Authenticator interface {
	Authorize(req *http.Request) error
	Reset() error
}

// SimpleAuth is Hadoop pseudo authentication: the user name travels as the
// user.name query parameter.
type SimpleAuth struct {
	User string
}

// Authorize sets user.name on the request URL.
func (a SimpleAuth) Authorize(req *http.Request) error {
	q := req.URL.Query()
	q.Set("user.name", a.User)
	req.URL.RawQuery = q.Encode()
	return nil
}

// Reset is a no-op; pseudo authentication holds no session.
func (SimpleAuth) Reset() error { return nil }
