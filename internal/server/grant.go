package server

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crucible-live/crucible/internal/mission/domain"
	"github.com/golang-jwt/jwt/v5"
)

// JoinGrant is the verified claim set a client presents at connect. It
// names the mission, the session, the member's identity and role, and
// whether a prior connection for the same identity should be evicted.
type JoinGrant struct {
	MissionID string
	SessionID string
	MemberID  string
	Name      string
	Role      domain.Role
	Evict     bool
}

type grantClaims struct {
	jwt.RegisteredClaims
	MissionID string `json:"mission_id"`
	SessionID string `json:"session_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	Evict     bool   `json:"evict,omitempty"`
}

// GrantVerifier checks ed25519-signed join grants.
type GrantVerifier struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
}

// NewGrantVerifier builds a verifier for the issuer/audience pair.
func NewGrantVerifier(issuer, audience string, key ed25519.PublicKey) (*GrantVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" {
		return nil, errors.New("grant issuer is required")
	}
	if audience == "" {
		return nil, errors.New("grant audience is required")
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	return &GrantVerifier{issuer: issuer, audience: audience, key: key}, nil
}

// ParseGrantPublicKey decodes a base64 ed25519 public key from config.
func ParseGrantPublicKey(value string) (ed25519.PublicKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("empty grant public key")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("decode grant public key: %w", err)
		}
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("grant public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}

// Verify validates the token signature, issuer, audience and expiry, and
// returns the decoded grant.
func (v *GrantVerifier) Verify(token string) (JoinGrant, error) {
	if v == nil {
		return JoinGrant{}, errors.New("grant verifier is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return JoinGrant{}, errors.New("join grant is required")
	}

	claims := &grantClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return JoinGrant{}, fmt.Errorf("verify join grant: %w", err)
	}

	grant := JoinGrant{
		MissionID: strings.TrimSpace(claims.MissionID),
		SessionID: strings.TrimSpace(claims.SessionID),
		MemberID:  strings.TrimSpace(claims.Subject),
		Name:      strings.TrimSpace(claims.Name),
		Role:      domain.Role(strings.TrimSpace(claims.Role)),
		Evict:     claims.Evict,
	}
	if grant.MissionID == "" {
		return JoinGrant{}, errors.New("join grant is missing mission_id")
	}
	if grant.SessionID == "" {
		return JoinGrant{}, errors.New("join grant is missing session_id")
	}
	if grant.MemberID == "" {
		return JoinGrant{}, errors.New("join grant is missing subject")
	}
	if !grant.Role.IsValid() {
		return JoinGrant{}, fmt.Errorf("join grant has unknown role %q", grant.Role)
	}
	if grant.Name == "" {
		grant.Name = grant.MemberID
	}
	return grant, nil
}

// SignJoinGrant issues a grant token. Production issuance lives with the
// operator tooling; this is also the path tests use.
func SignJoinGrant(key ed25519.PrivateKey, issuer, audience string, grant JoinGrant, ttl time.Duration, now time.Time) (string, error) {
	if len(key) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("grant private key must be %d bytes", ed25519.PrivateKeySize)
	}
	if ttl <= 0 {
		return "", errors.New("grant ttl must be positive")
	}
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   grant.MemberID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		MissionID: grant.MissionID,
		SessionID: grant.SessionID,
		Name:      grant.Name,
		Role:      string(grant.Role),
		Evict:     grant.Evict,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign join grant: %w", err)
	}
	return signed, nil
}
