// Package auth checks the join token a peer presents to the relay.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AllowAll accepts any token, including none.
type AllowAll struct{}

func (AllowAll) Validate(string) error { return nil }

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// ForToken returns a StaticToken for a configured secret, or AllowAll when
// the secret is blank.
func ForToken(secret string) Validator {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return AllowAll{}
	}
	return StaticToken{Token: secret}
}
