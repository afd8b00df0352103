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

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrAudience signals a token minted for another service.
	ErrAudience = errors.New("token audience mismatch")
)

// Role grants capabilities to an authenticated viewer.
type Role string

const (
	// RoleViewer may only watch frames.
	RoleViewer Role = "viewer"
	// RoleController may also rotate the tower, reset the ball and change lighting.
	RoleController Role = "controller"
)

// CanControl reports whether the role may send commands.
func (r Role) CanControl() bool {
	return r == RoleController
}

// TokenClaims captures the JWT-style payload used for viewer auth.
type TokenClaims struct {
	Subject   string
	Role      Role
	Audience  string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type tokenPayload struct {
	Subject  string `json:"sub"`
	Role     string `json:"role,omitempty"`
	Audience string `json:"aud,omitempty"`
	Expires  int64  `json:"exp"`
	Issued   int64  `json:"iat"`
}

// HMACTokenVerifier validates and mints compact HS256 tokens.
type HMACTokenVerifier struct {
	secret   []byte
	now      func() time.Time
	leeway   time.Duration
	audience string
}

// NewHMACTokenVerifier constructs a verifier for the shared secret and clock skew allowance.
func NewHMACTokenVerifier(secret string, leeway time.Duration) (*HMACTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACTokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the verifier clock.
func (v *HMACTokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

// RequireAudience rejects tokens whose aud claim differs. Empty disables the check.
func (v *HMACTokenVerifier) RequireAudience(audience string) {
	v.audience = strings.TrimSpace(audience)
}

// Verify validates the signature and expiry, returning the embedded claims. Tokens without
// a role claim are viewers.
func (v *HMACTokenVerifier) Verify(token string) (*TokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	//1.- Header must announce HS256 before the signature is trusted.
	var header tokenHeader
	if err := decodeJSONSegment(parts[0], &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}

	//2.- Compare signatures in constant time.
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(signature, v.sign(parts[0]+"."+parts[1])) {
		return nil, ErrInvalidToken
	}

	//3.- Decode claims and apply subject, expiry, audience and role rules.
	var payload tokenPayload
	if err := decodeJSONSegment(parts[1], &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}
	if v.audience != "" && payload.Audience != v.audience {
		return nil, ErrAudience
	}
	role := Role(strings.ToLower(strings.TrimSpace(payload.Role)))
	switch role {
	case "":
		role = RoleViewer
	case RoleViewer, RoleController:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, payload.Role)
	}

	return &TokenClaims{
		Subject:   payload.Subject,
		Role:      role,
		Audience:  payload.Audience,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(payload.Issued, 0),
	}, nil
}

// Issue mints a token for subject with the given role and lifetime.
func (v *HMACTokenVerifier) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("verifier not initialised")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject must not be empty")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := v.now()
	header, err := json.Marshal(tokenHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(tokenPayload{
		Subject:  subject,
		Role:     string(role),
		Audience: v.audience,
		Expires:  now.Add(ttl).Unix(),
		Issued:   now.Unix(),
	})
	if err != nil {
		return "", err
	}
	unsigned := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(v.sign(unsigned)), nil
}

func (v *HMACTokenVerifier) sign(unsigned string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(unsigned))
	return mac.Sum(nil)
}

func decodeJSONSegment(segment string, target any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
