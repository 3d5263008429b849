package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintIdentityToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "repo:acme/app:ref:refs/heads/main",
		"aud": "https://iam.example/providers/ci",
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return signed
}

func TestAcquireExchangesAndImpersonates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var sawExchange, sawImpersonate bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/token":
			sawExchange = true
			require.NoError(t, r.ParseForm())
			assert.Equal(t, tokenExchangeGrant, r.Form.Get("grant_type"))
			assert.Equal(t, "projects/1/providers/ci", r.Form.Get("audience"))
			assert.NotEmpty(t, r.Form.Get("subject_token"))
			_ = json.NewEncoder(w).Encode(exchangeResponse{AccessToken: "federated-token", ExpiresIn: 3600})
		case "/v1/projects/-/serviceAccounts/deployer@acme.iam:generateAccessToken":
			sawImpersonate = true
			assert.Equal(t, "Bearer federated-token", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(impersonateResponse{
				AccessToken: "scoped-token",
				ExpireTime:  now.Add(time.Hour).Format(time.RFC3339),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := &Broker{
		TokenURL:     srv.URL + "/v1/token",
		IAMEndpoint:  srv.URL,
		SubjectToken: mintIdentityToken(t, now.Add(10*time.Minute)),
		Now:          func() time.Time { return now },
	}
	cred, err := b.Acquire(context.Background(), "projects/1/providers/ci", "deployer@acme.iam")
	require.NoError(t, err)
	assert.True(t, sawExchange)
	assert.True(t, sawImpersonate)
	assert.Equal(t, "scoped-token", cred.Token)
	assert.False(t, cred.Expired(now))
	assert.True(t, cred.Expired(now.Add(2*time.Hour)))
}

func TestAcquireSkipsImpersonationWithoutIAMEndpoint(t *testing.T) {
	now := time.Now()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(exchangeResponse{AccessToken: "federated-token", ExpiresIn: 600})
	}))
	defer srv.Close()

	b := &Broker{TokenURL: srv.URL, SubjectToken: mintIdentityToken(t, now.Add(time.Hour))}
	cred, err := b.Acquire(context.Background(), "projects/1/providers/ci", "deployer@acme.iam")
	require.NoError(t, err)
	assert.Equal(t, "federated-token", cred.Token)
}

func TestAcquireRejectsExpiredIdentityTokenLocally(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	b := &Broker{
		TokenURL:     srv.URL,
		SubjectToken: mintIdentityToken(t, time.Now().Add(-time.Minute)),
	}
	_, err := b.Acquire(context.Background(), "projects/1/providers/ci", "")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "subject-token", authErr.Step)
	assert.Zero(t, calls, "expired token must be rejected before any network call")
}

func TestAcquireRejectsMalformedIdentityToken(t *testing.T) {
	b := &Broker{TokenURL: "http://127.0.0.1:0", SubjectToken: "not-a-jwt"}
	_, err := b.Acquire(context.Background(), "projects/1/providers/ci", "")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "subject-token", authErr.Step)
}

func TestAcquireSurfacesExchangeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant","error_description":"unauthorized binding"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	b := &Broker{TokenURL: srv.URL, SubjectToken: mintIdentityToken(t, time.Now().Add(time.Hour))}
	_, err := b.Acquire(context.Background(), "projects/1/providers/ci", "")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "exchange", authErr.Step)
	assert.Contains(t, err.Error(), "unauthorized binding")
}

func TestAcquireRequiresIdentityProvider(t *testing.T) {
	b := &Broker{SubjectToken: "anything"}
	_, err := b.Acquire(context.Background(), "", "deployer@acme.iam")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}
