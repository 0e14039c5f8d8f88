package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultKeySetTTL = 10 * time.Minute

var (
	errUnknownKeyID = errors.New("jwks: signing key not published")
	errEmptyKeySet  = errors.New("jwks: document has no usable rsa signing keys")
)

// keySet caches the RSA keys of a JWKS endpoint; concurrent misses share one fetch.
type keySet struct {
	url        string
	httpClient *http.Client
	fallback   time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	fetches singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func newKeySet(url string, httpClient *http.Client, ttl time.Duration, clock func() time.Time, logger *zap.Logger) *keySet {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}
	return &keySet{url: url, httpClient: httpClient, fallback: ttl, clock: clock, logger: logger}
}

func (s *keySet) lookup(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if key, fresh := s.cached(keyID); key != nil && fresh {
		return key, nil
	}
	// an unknown kid after rotation forces a refetch even when the cache is fresh
	if _, err, _ := s.fetches.Do(s.url, func() (interface{}, error) {
		return nil, s.refresh(ctx)
	}); err != nil {
		return nil, err
	}
	if key, _ := s.cached(keyID); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", errUnknownKeyID, keyID)
}

func (s *keySet) cached(keyID string) (*rsa.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil {
		return nil, false
	}
	return s.keys[keyID], s.clock().Before(s.expiresAt)
}

func (s *keySet) refresh(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return err
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("jwks: fetch %s: %w", s.url, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: fetch %s: status %d", s.url, response.StatusCode)
	}

	var document struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, candidate := range document.Keys {
		if candidate.KeyType != "RSA" || (candidate.Use != "" && candidate.Use != "sig") {
			continue
		}
		publicKey, err := candidate.rsaPublicKey()
		if err != nil {
			s.logger.Debug("ignoring malformed jwk", zap.String("kid", candidate.KeyID), zap.Error(err))
			continue
		}
		keys[candidate.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errEmptyKeySet
	}

	ttl := maxAge(response.Header.Get("Cache-Control"), s.fallback)
	s.mu.Lock()
	s.keys = keys
	s.expiresAt = s.clock().Add(ttl)
	s.mu.Unlock()
	s.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)), zap.Duration("ttl", ttl))
	return nil
}

// maxAge reads the max-age directive of a Cache-Control header.
func maxAge(header string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(directive), "=")
		if !found || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds <= 0 {
			return fallback
		}
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil || len(modulus) == 0 {
		return nil, fmt.Errorf("modulus: invalid encoding")
	}
	exponent, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil || len(exponent) == 0 || len(exponent) > 4 {
		return nil, fmt.Errorf("exponent: invalid encoding")
	}
	e := new(big.Int).SetBytes(exponent).Int64()
	if e < 3 {
		return nil, fmt.Errorf("exponent: %d too small", e)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(e)}, nil
}
