/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package sigcore

import (
	"context"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// CredentialsProvider supplies the opaque bearer credential attached to every
// signaling request. Implementations may refresh the token on demand; the
// core never inspects expiry itself.
type CredentialsProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialsProvider for a fixed bearer token.
type StaticToken string

// Token implements CredentialsProvider.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("access token cannot be empty")
	}
	return string(t), nil
}

// TokenFunc adapts a function to the CredentialsProvider interface.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements CredentialsProvider.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// tokenSignatureAlgorithms lists the JWS algorithms accepted when peeking
// into a bearer token. The set matches what identity services commonly issue.
var tokenSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.HS256,
}

// UserIDFromToken extracts the subject claim from a JWS-formatted bearer
// token. The signature is NOT verified — the token is still treated as
// opaque for authentication purposes; this is only a convenience so the
// local user ID does not have to be configured twice. Returns an error when
// the token is not a parseable JWS or carries no subject.
func UserIDFromToken(token string) (string, error) {
	sig, err := jose.ParseSigned(token, tokenSignatureAlgorithms)
	if err != nil {
		return "", fmt.Errorf("credential is not a JWS token: %w", err)
	}

	var claims struct {
		Subject string `json:"sub"`
	}
	if err := json.Unmarshal(sig.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return "", fmt.Errorf("failed to decode token claims: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token carries no subject claim")
	}

	return claims.Subject, nil
}
