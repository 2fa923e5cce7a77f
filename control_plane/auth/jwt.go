// Package auth issues and validates the HS256 bearer tokens used by agents
// and operators.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Roles.
const (
	RoleAgent = "agent"
	RoleUser  = "user"
	RoleAdmin = "admin"
)

const (
	issuer   = "forgeci"
	audience = "forgeci-api"

	// devSecret is used when no secret is configured. Local runs only.
	devSecret = "insecure_default_secret_for_dev_mode_only_32bytes"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims carries the identity of the caller. For agents Subject is the agent
// UUID; for people it is the user name.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	// Standard Claims
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
	NotBefore int64  `json:"nbf"`
}

// IsAdmin reports whether the claims grant admin rights.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// Signer creates and validates tokens with one shared secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a signer. An empty secret falls back to a fixed dev
// secret; config validation rejects short secrets before we get here.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if secret == "" {
		secret = devSecret
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// UsesDevSecret reports whether the signer fell back to the dev secret.
func (s *Signer) UsesDevSecret() bool {
	return string(s.secret) == devSecret
}

// WithClock replaces the time source. Tests only.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Issue creates a signed token for subject and role.
func (s *Signer) Issue(subject, role string) (string, error) {
	now := s.now().Unix()
	claims := Claims{
		Subject:   subject,
		Role:      role,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: now + int64(s.ttl/time.Second),
		IssuedAt:  now,
		NotBefore: now,
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	tokenPart := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	return tokenPart + "." + s.sign(tokenPart), nil
}

// Validate parses and validates a token string.
func (s *Signer) Validate(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}

	// 1. Verify Signature
	tokenPart := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(s.sign(tokenPart)), []byte(parts[2])) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}

	// 2. Parse Claims
	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: unmarshal claims: %v", ErrInvalidToken, err)
	}

	// 3. Validate Claims
	now := s.now().Unix()
	if now > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if now < claims.NotBefore {
		return nil, fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	}
	if claims.Issuer != issuer || claims.Audience != audience {
		return nil, fmt.Errorf("%w: wrong issuer or audience", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &claims, nil
}

func (s *Signer) sign(message string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(message))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64UrlDecode(data string) ([]byte, error) {
	if l := len(data) % 4; l > 0 {
		data += strings.Repeat("=", 4-l)
	}
	return base64.URLEncoding.DecodeString(data)
}
