package push

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const fcmTokenURL = "https://oauth2.googleapis.com/token"
const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"
const fcmAssertionTTL = 1 * time.Hour
const tokenRefreshSlack = 10 * time.Minute

// serviceAccount is the subset of a Firebase/GCP service-account JSON
// key needed to mint an OAuth2 bearer token (spec §4.10 step 7, "fcm"
// transport).
type serviceAccount struct {
	ProjectID    string `json:"project_id"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// fcmTokenSource signs a JWT service-account assertion, exchanges it
// for a bearer token at oauth2.googleapis.com/token, and caches the
// result until expires_in-600s (spec §4.10 step 7).
type fcmTokenSource struct {
	account serviceAccount
	key     *rsa.PrivateKey
	http    *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newFCMTokenSource(saJSON []byte) (*fcmTokenSource, error) {
	var account serviceAccount
	if err := json.Unmarshal(saJSON, &account); err != nil {
		return nil, fmt.Errorf("parse service account json: %w", err)
	}
	if account.ClientEmail == "" || account.PrivateKey == "" {
		return nil, fmt.Errorf("service account json missing client_email or private_key")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}
	return &fcmTokenSource{account: account, key: key, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

// Token returns a cached bearer token, refreshing it when within
// tokenRefreshSlack of expiry.
func (f *fcmTokenSource) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	if f.token != "" && time.Now().Before(f.expiresAt) {
		tok := f.token
		f.mu.Unlock()
		return tok, nil
	}
	f.mu.Unlock()
	return f.refresh(ctx)
}

// Refresh forces a new token exchange, bypassing the cache. Used after
// a 401 from FCM (spec §4.10 step 7).
func (f *fcmTokenSource) Refresh(ctx context.Context) (string, error) {
	return f.refresh(ctx)
}

func (f *fcmTokenSource) refresh(ctx context.Context) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   f.account.ClientEmail,
		"scope": fcmScope,
		"aud":   tokenURIOrDefault(f.account.TokenURI),
		"iat":   now.Unix(),
		"exp":   now.Add(fcmAssertionTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.account.PrivateKeyID
	assertion, err := token.SignedString(f.key)
	if err != nil {
		return "", fmt.Errorf("sign service account assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURIOrDefault(f.account.TokenURI),
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange service account token: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || out.AccessToken == "" {
		return "", fmt.Errorf("token exchange failed: status %d", resp.StatusCode)
	}

	f.mu.Lock()
	f.token = out.AccessToken
	f.expiresAt = now.Add(time.Duration(out.ExpiresIn)*time.Second - tokenRefreshSlack)
	f.mu.Unlock()
	return out.AccessToken, nil
}

func tokenURIOrDefault(uri string) string {
	if uri != "" {
		return uri
	}
	return fcmTokenURL
}

func (f *fcmTokenSource) projectID() string {
	return f.account.ProjectID
}
