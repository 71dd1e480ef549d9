package conn

import (
	"fmt"
	"slices"
)

// Authenticator drives a SASL exchange with the server.
//
// Challenge is first called with the authenticator class name announced in
// the AUTHENTICATE response and returns the initial token. Later calls
// receive the server's challenge tokens. The returned Authenticator handles
// the next step; it may be nil once no further challenge is expected.
type Authenticator interface {
	Challenge(req []byte) (resp []byte, next Authenticator, err error)
	Success(data []byte) error
}

// PasswordAuthenticator implements the PLAIN mechanism of
// PasswordAuthenticator and compatible server authenticators.
type PasswordAuthenticator struct {
	Username string
	Password string

	// AllowedAuthenticators restricts the server classes credentials are
	// sent to. Empty allows any class.
	AllowedAuthenticators []string
}

var _ Authenticator = PasswordAuthenticator{}

// Challenge returns the PLAIN token: a zero byte, the username, a zero
// byte and the password.
func (p PasswordAuthenticator) Challenge(req []byte) ([]byte, Authenticator, error) {
	if len(p.AllowedAuthenticators) > 0 && !slices.Contains(p.AllowedAuthenticators, string(req)) {
		return nil, nil, fmt.Errorf("cqlwire: unexpected authenticator %q", req)
	}

	resp := make([]byte, 0, 2+len(p.Username)+len(p.Password))
	resp = append(resp, 0)
	resp = append(resp, p.Username...)
	resp = append(resp, 0)
	resp = append(resp, p.Password...)

	return resp, nil, nil
}

// Success implements Authenticator.
func (p PasswordAuthenticator) Success([]byte) error { return nil }
