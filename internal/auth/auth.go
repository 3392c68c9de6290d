// Package auth manages the daemon's single long-lived bearer token.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/IvanRicoPrieto/CCRemote/internal/store"
)

const tokenKey = "auth_token"

// tokenBytes gives a 43-character URL-safe token.
const tokenBytes = 32

// Store issues and validates the bearer token, persisting it in the
// config table of the record store.
type Store struct {
	st *store.Store
}

func New(st *store.Store) *Store {
	return &Store{st: st}
}

// Token returns the current token, generating and persisting one on first use.
func (a *Store) Token() (string, error) {
	tok, err := a.st.GetConfig(tokenKey)
	if err != nil {
		return "", err
	}
	if tok != "" {
		return tok, nil
	}
	return a.Regenerate()
}

// Regenerate replaces the token, invalidating every existing client.
func (a *Store) Regenerate() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	tok := base64.RawURLEncoding.EncodeToString(b)
	if err := a.st.SetConfig(tokenKey, tok); err != nil {
		return "", err
	}
	return tok, nil
}

// Validate compares a presented token against the stored one in constant
// time. An empty stored token never validates.
func (a *Store) Validate(presented string) bool {
	tok, err := a.st.GetConfig(tokenKey)
	if err != nil || tok == "" {
		return false
	}
	return ConstantTimeEqual(tok, presented)
}

// ConstantTimeEqual reports whether a == b without leaking the match
// position through timing.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still burn a comparison so length mismatches don't return early
		// relative to content mismatches of equal length.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
