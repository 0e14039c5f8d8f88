package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

func TestGoogleVerifierValidatesTokenUsingJWKS(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	jwk := rsaJWK("test-key", &privateKey.PublicKey)

	jwksResponse := map[string]any{"keys": []any{jwk}}

	var jwksRequests atomic.Int32
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/v3/certs" {
			http.NotFound(w, r)
			return
		}
		jwksRequests.Add(1)
		_ = json.NewEncoder(w).Encode(jwksResponse)
	}))
	defer jwksServer.Close()

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"aud":            "test-client",
		"iss":            "https://accounts.google.com",
		"sub":            "user-123",
		"email":          "quester@example.com",
		"email_verified": true,
		"name":           "Quester",
		"picture":        "https://example.com/avatar.png",
		"exp":            now.Add(5 * time.Minute).Unix(),
		"iat":            now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signedToken, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	verifier, err := NewGoogleVerifier(GoogleVerifierConfig{
		Audience:       "test-client",
		JWKSURL:        jwksServer.URL + "/oauth2/v3/certs",
		AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	verified, err := verifier.Verify(context.Background(), signedToken)
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}

	if verified.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", verified.Subject)
	}
	if verified.Audience != "test-client" {
		t.Fatalf("unexpected audience %s", verified.Audience)
	}
	if verified.Email != "quester@example.com" || !verified.EmailVerified {
		t.Fatalf("unexpected email claims %+v", verified)
	}
	if verified.Name != "Quester" || verified.Picture != "https://example.com/avatar.png" {
		t.Fatalf("unexpected profile claims %+v", verified)
	}
	// second call is served from the key cache
	if _, err := verifier.Verify(context.Background(), signedToken); err != nil {
		t.Fatalf("expected cached verification to succeed: %v", err)
	}
	if jwksRequests.Load() != 1 {
		t.Fatalf("expected a single jwks fetch, got %d", jwksRequests.Load())
	}
}

func TestGoogleVerifierRejectsInvalidAudience(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	jwk := rsaJWK("test-key", &privateKey.PublicKey)
	jwksResponse := map[string]any{"keys": []any{jwk}}

	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksResponse)
	}))
	defer jwksServer.Close()

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"aud": "unexpected-client",
		"iss": "https://accounts.google.com",
		"sub": "user-123",
		"exp": now.Add(5 * time.Minute).Unix(),
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signedToken, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	verifier, err := NewGoogleVerifier(GoogleVerifierConfig{
		Audience:       "test-client",
		JWKSURL:        jwksServer.URL,
		AllowedIssuers: []string{"https://accounts.google.com"},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = verifier.Verify(context.Background(), signedToken)
	if err == nil {
		t.Fatalf("expected verification to fail for mismatched audience")
	}
}

func TestGoogleVerifierRejectsEmptyToken(t *testing.T) {
	verifier, err := NewGoogleVerifier(GoogleVerifierConfig{
		Audience: "test-client",
		JWKSURL:  DefaultGoogleJWKSURL,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), "  "); !errors.Is(err, errMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewGoogleVerifierValidatesConfig(t *testing.T) {
	testCases := []struct {
		name    string
		config  GoogleVerifierConfig
		message string
	}{
		{
			name:    "missing audience",
			config:  GoogleVerifierConfig{JWKSURL: "https://example.com/jwks"},
			message: "audience required",
		},
		{
			name:    "blank jwks url",
			config:  GoogleVerifierConfig{Audience: "test-client", JWKSURL: " "},
			message: "jwks url required",
		},
		{
			name:    "only blank issuers",
			config:  GoogleVerifierConfig{Audience: "test-client", JWKSURL: "https://example.com/jwks", AllowedIssuers: []string{"", "   "}},
			message: "no allowed issuers",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewGoogleVerifier(testCase.config)
			if !errors.Is(err, ErrInvalidVerifierConfig) {
				t.Fatalf("expected invalid verifier config error, got %v", err)
			}
			if !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected %q in %v", testCase.message, err)
			}
		})
	}
}

func TestKeySetRefetchesOnUnknownKeyID(t *testing.T) {
	first, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	second, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	var rotated atomic.Bool
	var fetches atomic.Int32
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		keys := []any{rsaJWK("key-1", &first.PublicKey)}
		if rotated.Load() {
			keys = []any{rsaJWK("key-2", &second.PublicKey)}
		}
		w.Header().Set("Cache-Control", "public, max-age=3600, must-revalidate")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	defer jwksServer.Close()

	set := newKeySet(jwksServer.URL, jwksServer.Client(), 0, time.Now, zap.NewNop())
	if _, err := set.lookup(context.Background(), "key-1"); err != nil {
		t.Fatalf("expected first key to resolve: %v", err)
	}
	rotated.Store(true)
	key, err := set.lookup(context.Background(), "key-2")
	if err != nil {
		t.Fatalf("expected rotated key to resolve: %v", err)
	}
	if key.N.Cmp(second.PublicKey.N) != 0 {
		t.Fatalf("resolved the wrong key")
	}
	if fetches.Load() != 2 {
		t.Fatalf("expected two fetches, got %d", fetches.Load())
	}
	if _, err := set.lookup(context.Background(), "key-3"); !errors.Is(err, errUnknownKeyID) {
		t.Fatalf("expected unknown kid error, got %v", err)
	}
}

func TestMaxAgeParsesCacheControl(t *testing.T) {
	testCases := []struct {
		header string
		want   time.Duration
	}{
		{header: "public, max-age=19702, must-revalidate, no-transform", want: 19702 * time.Second},
		{header: "MAX-AGE=60", want: time.Minute},
		{header: "no-cache", want: defaultKeySetTTL},
		{header: "max-age=abc", want: defaultKeySetTTL},
		{header: "", want: defaultKeySetTTL},
	}
	for _, testCase := range testCases {
		if got := maxAge(testCase.header, defaultKeySetTTL); got != testCase.want {
			t.Fatalf("maxAge(%q) = %s, want %s", testCase.header, got, testCase.want)
		}
	}
}

func rsaJWK(keyID string, publicKey *rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"alg": "RS256",
		"kid": keyID,
		"use": "sig",
		"n":   encodeBigInt(publicKey.N),
		"e":   encodeBigInt(publicKey.E),
	}
}

func encodeBigInt(value interface{}) string {
	switch v := value.(type) {
	case *big.Int:
		return base64.RawURLEncoding.EncodeToString(v.Bytes())
	case int:
		return encodeBigInt(int64(v))
	case int64:
		return base64.RawURLEncoding.EncodeToString(big.NewInt(v).Bytes())
	case uint64:
		return base64.RawURLEncoding.EncodeToString(new(big.Int).SetUint64(v).Bytes())
	default:
		return ""
	}
}
