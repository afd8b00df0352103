package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1700000000, 0)

func newVerifier(t *testing.T, leeway time.Duration) *HMACTokenVerifier {
	t.Helper()
	verifier, err := NewHMACTokenVerifier("secret", leeway)
	require.NoError(t, err)
	verifier.WithClock(func() time.Time { return fixedNow })
	return verifier
}

func handmade(t *testing.T, secret, alg, payload string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"alg":%q,"typ":"JWT"}`, alg)))
	body := base64.RawURLEncoding.EncodeToString([]byte(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(header + "." + body))
	return header + "." + body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	verifier := newVerifier(t, time.Second)
	token, err := verifier.Issue("viewer-7", RoleController, time.Minute)
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "viewer-7", claims.Subject)
	assert.Equal(t, RoleController, claims.Role)
	assert.True(t, claims.Role.CanControl())
	assert.Equal(t, fixedNow.Add(time.Minute), claims.ExpiresAt)
}

func TestVerifyDefaultsToViewerRole(t *testing.T) {
	verifier := newVerifier(t, 0)
	token := handmade(t, "secret", "HS256", fmt.Sprintf(`{"sub":"watcher","exp":%d}`, fixedNow.Add(time.Minute).Unix()))

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, claims.Role)
	assert.False(t, claims.Role.CanControl())
}

func TestVerifyRejections(t *testing.T) {
	verifier := newVerifier(t, 0)
	future := fixedNow.Add(time.Minute).Unix()

	cases := []struct {
		name  string
		token string
		err   error
	}{
		{name: "expired", token: handmade(t, "secret", "HS256", fmt.Sprintf(`{"sub":"a","exp":%d}`, fixedNow.Add(-time.Second).Unix())), err: ErrExpiredToken},
		{name: "wrong secret", token: handmade(t, "other", "HS256", fmt.Sprintf(`{"sub":"a","exp":%d}`, future)), err: ErrInvalidToken},
		{name: "wrong alg", token: handmade(t, "secret", "none", fmt.Sprintf(`{"sub":"a","exp":%d}`, future)), err: ErrInvalidToken},
		{name: "missing subject", token: handmade(t, "secret", "HS256", fmt.Sprintf(`{"exp":%d}`, future)), err: ErrInvalidToken},
		{name: "unknown role", token: handmade(t, "secret", "HS256", fmt.Sprintf(`{"sub":"a","role":"root","exp":%d}`, future)), err: ErrInvalidToken},
		{name: "malformed", token: "abc.def", err: ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := verifier.Verify(tc.token)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestVerifyHonoursLeeway(t *testing.T) {
	verifier := newVerifier(t, 5*time.Second)
	token := handmade(t, "secret", "HS256", fmt.Sprintf(`{"sub":"a","exp":%d}`, fixedNow.Add(-2*time.Second).Unix()))
	_, err := verifier.Verify(token)
	assert.NoError(t, err)
}

func TestRequireAudience(t *testing.T) {
	verifier := newVerifier(t, 0)
	token, err := verifier.Issue("a", RoleViewer, time.Minute)
	require.NoError(t, err)

	verifier.RequireAudience("towerdrop")
	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrAudience)

	token, err = verifier.Issue("a", RoleViewer, time.Minute)
	require.NoError(t, err)
	_, err = verifier.Verify(token)
	assert.NoError(t, err)
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewHMACTokenVerifier("  ", time.Second)
	assert.Error(t, err)

	verifier := newVerifier(t, 0)
	_, err = verifier.Issue(" ", RoleViewer, time.Minute)
	assert.Error(t, err)
	_, err = verifier.Issue("a", RoleViewer, 0)
	assert.Error(t, err)
}
