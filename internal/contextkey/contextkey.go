// Package contextkey defines the request-scoped context keys shared across
// the HTTP surface and the session gateway.
package contextkey

type key int

const (
	ContextKeyRequestID key = iota
	ContextKeyPrincipalID
	ContextKeyCorrelationID
)
