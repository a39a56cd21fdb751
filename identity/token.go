/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package identity

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// SupportedAlgorithms are the JWS algorithms accepted for identity tokens.
var SupportedAlgorithms = []jose.SignatureAlgorithm{jose.HS256, jose.RS256, jose.ES256}

// DefaultLeeway is the clock skew tolerated when checking token expiry.
const DefaultLeeway = 30 * time.Second

// Claims is the identity token payload.
type Claims struct {
	jwt.Claims
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// TokenProvider resolves the participant from a signed identity token issued
// by the surrounding application.
type TokenProvider struct {
	token  string
	key    interface{}
	leeway time.Duration
	now    func() time.Time
}

// NewTokenProvider verifies token with key on every Resolve. key is a
// []byte shared secret for HS256 or a crypto public key for RS256/ES256.
func NewTokenProvider(token string, key interface{}) *TokenProvider {
	return &TokenProvider{
		token:  token,
		key:    key,
		leeway: DefaultLeeway,
		now:    time.Now,
	}
}

// Resolve verifies the token and maps its claims onto a Participant.
func (p *TokenProvider) Resolve(ctx context.Context) (*Participant, error) {
	claims, err := ParseToken(p.token, p.key, p.now(), p.leeway)
	if err != nil {
		return nil, err
	}

	participant := &Participant{
		ID:          claims.Subject,
		DisplayName: claims.Name,
		Email:       claims.Email,
		Role:        claims.Role,
	}
	if err := participant.Validate(); err != nil {
		return nil, err
	}
	return participant, nil
}

// ParseToken verifies a compact JWS and validates its registered claims at
// time now. It is also used by the signaling relay to authenticate clients.
func ParseToken(raw string, key interface{}, now time.Time, leeway time.Duration) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("identity token is empty")
	}

	tok, err := jwt.ParseSigned(raw, SupportedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity token: %w", err)
	}

	var claims Claims
	if err := tok.Claims(key, &claims); err != nil {
		return nil, fmt.Errorf("failed to verify identity token: %w", err)
	}

	if err := claims.ValidateWithLeeway(jwt.Expected{Time: now}, leeway); err != nil {
		return nil, fmt.Errorf("identity token rejected: %w", err)
	}
	return &claims, nil
}

// ParseKey turns configured key material into a verification key. PEM
// encoded public keys are parsed; anything else is used as an HMAC secret.
func ParseKey(material string) (interface{}, error) {
	if material == "" {
		return nil, fmt.Errorf("identity key is empty")
	}
	block, _ := pem.Decode([]byte(material))
	if block == nil {
		return []byte(material), nil
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity public key: %w", err)
	}
	return pub, nil
}
