package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// DefaultGoogleJWKSURL is the published key set for Google ID tokens.
const DefaultGoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

var defaultGoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var (
	// ErrInvalidVerifierConfig wraps every GoogleVerifier construction failure.
	ErrInvalidVerifierConfig = errors.New("auth: invalid google verifier config")

	errMissingToken    = errors.New("google verifier: id token required")
	errMissingKeyID    = errors.New("google verifier: token header has no kid")
	errUntrustedIssuer = errors.New("google verifier: issuer not allowed")
	errMissingSubject  = errors.New("google verifier: subject claim required")
)

// GoogleVerifierConfig bundles configuration required to instantiate a GoogleVerifier.
type GoogleVerifierConfig struct {
	// Audience is the OAuth client id the PWA signs in with.
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	// CacheTTL bounds how long fetched keys are trusted when the response has no max-age.
	CacheTTL time.Duration
	Logger   *zap.Logger
	Clock    func() time.Time
}

// GoogleClaims is the verified profile of a Google sign-in.
type GoogleClaims struct {
	Audience      string
	Subject       string
	Issuer        string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
	Expiry        time.Time
	IssuedAt      time.Time
}

type googleIDTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	jwt.RegisteredClaims
}

// GoogleVerifier checks Google ID tokens offline against a cached key set.
type GoogleVerifier struct {
	audience string
	issuers  map[string]struct{}
	keys     *keySet
	clock    func() time.Time
}

// NewGoogleVerifier validates the configuration and returns a verifier.
func NewGoogleVerifier(cfg GoogleVerifierConfig) (*GoogleVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: audience required", ErrInvalidVerifierConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: jwks url required", ErrInvalidVerifierConfig)
	}

	allowed := cfg.AllowedIssuers
	if allowed == nil {
		allowed = defaultGoogleIssuers
	}
	issuers := make(map[string]struct{}, len(allowed))
	for _, issuer := range allowed {
		if trimmed := strings.TrimSpace(issuer); trimmed != "" {
			issuers[trimmed] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: no allowed issuers", ErrInvalidVerifierConfig)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GoogleVerifier{
		audience: audience,
		issuers:  issuers,
		keys:     newKeySet(jwksURL, cfg.HTTPClient, cfg.CacheTTL, clock, logger),
		clock:    clock,
	}, nil
}

// Verify checks signature, audience, issuer and expiry and returns the profile claims.
func (v *GoogleVerifier) Verify(ctx context.Context, rawToken string) (GoogleClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return GoogleClaims{}, errMissingToken
	}

	claims := &googleIDTokenClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyID
			}
			return v.keys.lookup(ctx, keyID)
		},
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		return GoogleClaims{}, err
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return GoogleClaims{}, fmt.Errorf("%w: %q", errUntrustedIssuer, claims.Issuer)
	}
	if claims.Subject == "" {
		return GoogleClaims{}, errMissingSubject
	}
	return claims.profile(v.audience), nil
}

func (c *googleIDTokenClaims) profile(audience string) GoogleClaims {
	profile := GoogleClaims{
		Audience:      audience,
		Subject:       c.Subject,
		Issuer:        c.Issuer,
		Email:         strings.TrimSpace(c.Email),
		EmailVerified: c.EmailVerified,
		Name:          strings.TrimSpace(c.Name),
		Picture:       strings.TrimSpace(c.Picture),
	}
	if c.ExpiresAt != nil {
		profile.Expiry = c.ExpiresAt.Time
	}
	if c.IssuedAt != nil {
		profile.IssuedAt = c.IssuedAt.Time
	}
	return profile
}
