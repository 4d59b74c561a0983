// Package auth decodes the credential used to open the realtime channel
// into a local identity. The client never verifies the token signature;
// verification is the relay's job. The decoded subject is what the core
// uses to tell its own traffic apart from others' when no connection id
// is available.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedCredential is returned when the credential cannot be
// decoded at all. Callers degrade self-echo suppression to best-effort
// in that case rather than failing the connection.
var ErrMalformedCredential = errors.New("auth: malformed credential")

// CredentialProvider supplies the bearer credential used to open the
// realtime channel. It is consulted before every dial, so an
// implementation backed by a token service hands out refreshed tokens
// across reconnects.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// StaticCredential is a CredentialProvider that always returns the same
// token.
type StaticCredential string

// Credential implements CredentialProvider.
func (s StaticCredential) Credential(context.Context) (string, error) {
	return string(s), nil
}

// Identity is the locally-known identity derived from a credential.
type Identity struct {
	UserID string
	Name   string
	Avatar string
}

// ClaimsExtractor extracts identity values from JWT claims.
type ClaimsExtractor struct {
	// SubjectClaimPath is the dot-separated path to the user id claim.
	SubjectClaimPath string

	// NameClaimPath is the path to the display name claim.
	NameClaimPath string

	// AvatarClaimPath is the path to the avatar reference claim.
	AvatarClaimPath string
}

// DefaultClaimsExtractor returns an extractor with common defaults.
func DefaultClaimsExtractor() *ClaimsExtractor {
	return &ClaimsExtractor{
		SubjectClaimPath: "sub",
		NameClaimPath:    "name",
		AvatarClaimPath:  "avatar",
	}
}

// Extract extracts an Identity from claims.
func (e *ClaimsExtractor) Extract(claims map[string]any) Identity {
	return Identity{
		UserID: e.getStringValue(claims, e.SubjectClaimPath),
		Name:   e.getStringValue(claims, e.NameClaimPath),
		Avatar: e.getStringValue(claims, e.AvatarClaimPath),
	}
}

// getStringValue gets a string value at a dot-separated path.
func (e *ClaimsExtractor) getStringValue(claims map[string]any, path string) string {
	value := e.getValue(claims, path)
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

// getValue gets a value at a dot-separated path.
func (e *ClaimsExtractor) getValue(claims map[string]any, path string) any {
	if path == "" {
		return nil
	}

	parts := strings.Split(path, ".")
	var current any = claims

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}

	return current
}

// ParseCredential decodes a JWT credential without verifying its
// signature and extracts the identity claims. An undecodable token
// returns ErrMalformedCredential joined with the parse failure.
func ParseCredential(credential string, extractor *ClaimsExtractor) (Identity, error) {
	if extractor == nil {
		extractor = DefaultClaimsExtractor()
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(credential, claims); err != nil {
		return Identity{}, errors.Join(ErrMalformedCredential, err)
	}

	return extractor.Extract(claims), nil
}
