package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	tokenExchangeGrant = "urn:ietf:params:oauth:grant-type:token-exchange"
	jwtTokenType       = "urn:ietf:params:oauth:token-type:jwt"
	accessTokenType    = "urn:ietf:params:oauth:token-type:access_token"

	defaultScope = "https://www.googleapis.com/auth/cloud-platform"
)

// Credential is a short-lived scoped access credential. It lives in memory
// only, is never persisted, and must not be used at or past Expiry.
type Credential struct {
	Token  string
	Expiry time.Time
}

// Expired reports whether the credential may no longer be used.
func (c Credential) Expired(now time.Time) bool {
	return c.Token == "" || !now.Before(c.Expiry)
}

// AuthError is returned when the credential exchange fails. Auth failure is
// fatal for the run; the broker never retries.
type AuthError struct {
	Step string // subject-token, exchange, impersonate
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Step, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Broker exchanges a platform-issued identity token for a scoped access
// credential via workload identity federation. All endpoints are explicit
// configuration; nothing is read from ambient cloud state.
type Broker struct {
	// TokenURL is the federation token-exchange endpoint.
	TokenURL string
	// IAMEndpoint hosts the service-account impersonation API. Empty skips
	// impersonation and returns the federated token directly.
	IAMEndpoint string
	// SubjectTokenFile holds the platform-issued identity token. SubjectToken
	// takes precedence when set (typically merged from secrets.env or env).
	SubjectTokenFile string
	SubjectToken     string
	Scope            string

	HTTPClient *http.Client
	Now        func() time.Time
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type impersonateResponse struct {
	AccessToken string `json:"accessToken"`
	ExpireTime  string `json:"expireTime"`
}

// Acquire exchanges the subject token at the identity provider for a scoped
// credential bound to serviceAccountRef. It fails with AuthError on an
// invalid or expired identity token and on an unauthorized binding.
func (b *Broker) Acquire(ctx context.Context, identityProviderRef, serviceAccountRef string) (Credential, error) {
	if identityProviderRef == "" {
		return Credential{}, &AuthError{Step: "exchange", Err: fmt.Errorf("workload identity provider not configured")}
	}
	subject, err := b.subjectToken()
	if err != nil {
		return Credential{}, &AuthError{Step: "subject-token", Err: err}
	}
	if err := b.checkSubjectToken(subject); err != nil {
		return Credential{}, &AuthError{Step: "subject-token", Err: err}
	}

	federated, err := b.exchange(ctx, identityProviderRef, subject)
	if err != nil {
		return Credential{}, &AuthError{Step: "exchange", Err: err}
	}
	log.Debug().Time("expiry", federated.Expiry).Msg("federated token acquired")

	if b.IAMEndpoint == "" || serviceAccountRef == "" {
		return federated, nil
	}
	cred, err := b.impersonate(ctx, serviceAccountRef, federated)
	if err != nil {
		return Credential{}, &AuthError{Step: "impersonate", Err: err}
	}
	log.Debug().Str("service_account", serviceAccountRef).Time("expiry", cred.Expiry).Msg("scoped credential acquired")
	return cred, nil
}

func (b *Broker) subjectToken() (string, error) {
	if b.SubjectToken != "" {
		return strings.TrimSpace(b.SubjectToken), nil
	}
	if b.SubjectTokenFile == "" {
		return "", fmt.Errorf("no subject token configured; set auth.subject_token_file or SKIFF_IDENTITY_TOKEN")
	}
	data, err := os.ReadFile(b.SubjectTokenFile)
	if err != nil {
		return "", fmt.Errorf("read subject token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// checkSubjectToken rejects malformed or already-expired identity tokens
// locally, before any network call.
func (b *Broker) checkSubjectToken(token string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("malformed identity token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("identity token claims: %w", err)
	}
	if exp != nil && !b.now().Before(exp.Time) {
		return fmt.Errorf("identity token expired at %s", exp.Time.Format(time.RFC3339))
	}
	return nil
}

func (b *Broker) exchange(ctx context.Context, identityProviderRef, subject string) (Credential, error) {
	scope := b.Scope
	if scope == "" {
		scope = defaultScope
	}
	form := url.Values{}
	form.Set("grant_type", tokenExchangeGrant)
	form.Set("audience", identityProviderRef)
	form.Set("scope", scope)
	form.Set("requested_token_type", accessTokenType)
	form.Set("subject_token_type", jwtTokenType)
	form.Set("subject_token", subject)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := b.do(req)
	if err != nil {
		return Credential{}, err
	}
	var out exchangeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Credential{}, fmt.Errorf("decode exchange response: %w", err)
	}
	if out.AccessToken == "" {
		return Credential{}, fmt.Errorf("exchange response missing access_token")
	}
	return Credential{Token: out.AccessToken, Expiry: b.now().Add(time.Duration(out.ExpiresIn) * time.Second)}, nil
}

func (b *Broker) impersonate(ctx context.Context, serviceAccountRef string, federated Credential) (Credential, error) {
	scope := b.Scope
	if scope == "" {
		scope = defaultScope
	}
	endpoint := fmt.Sprintf("%s/v1/projects/-/serviceAccounts/%s:generateAccessToken",
		strings.TrimRight(b.IAMEndpoint, "/"), serviceAccountRef)
	payload, err := json.Marshal(map[string]any{"scope": []string{scope}})
	if err != nil {
		return Credential{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+federated.Token)

	body, err := b.do(req)
	if err != nil {
		return Credential{}, err
	}
	var out impersonateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Credential{}, fmt.Errorf("decode impersonation response: %w", err)
	}
	if out.AccessToken == "" {
		return Credential{}, fmt.Errorf("impersonation response missing accessToken")
	}
	expiry, err := time.Parse(time.RFC3339, out.ExpireTime)
	if err != nil {
		return Credential{}, fmt.Errorf("parse expireTime: %w", err)
	}
	return Credential{Token: out.AccessToken, Expiry: expiry}, nil
}

func (b *Broker) do(req *http.Request) ([]byte, error) {
	client := b.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s returned status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (b *Broker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}
