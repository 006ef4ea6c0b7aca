// Package auth verifies the access credential an uplink presents before it
// may publish frames.
package auth

// Authenticator decides whether a credential may open an uplink session.
type Authenticator interface {
	Authenticate(credential []byte) bool
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(credential []byte) bool

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(credential []byte) bool { return f(credential) }

// DenyAll rejects every credential.
var DenyAll = AuthenticatorFunc(func([]byte) bool { return false })
