package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"
)

var errKeyNotFound = errors.New("no matching verification key")

// forceRefreshInterval rate-limits refreshes triggered by verification
// failures, so a stream of bad tokens cannot hammer the JWKS endpoint.
const forceRefreshInterval = 30 * time.Second

// keyCache holds the trusted RS256 verification keys fetched from the access
// proxy's JWKS endpoint. Keys are refreshed when the TTL lapses, or once per
// verification failure (rate-limited) to pick up a rotation without restart.
type keyCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu         sync.Mutex
	keys       map[string]*rsa.PublicKey
	fetchedAt  time.Time
	lastForced time.Time
}

func newKeyCache(url string, ttl time.Duration) *keyCache {
	return &keyCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Key returns the verification key for kid, fetching the key set if the
// cache is empty or expired. A stale cache is kept when a refresh fails.
func (c *keyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	if c.keys != nil && time.Since(c.fetchedAt) < c.ttl {
		key, ok := c.keys[kid]
		c.mu.Unlock()
		if !ok {
			return nil, errKeyNotFound
		}
		return key, nil
	}
	c.mu.Unlock()

	if err := c.refresh(ctx); err != nil {
		c.mu.Lock()
		key, ok := c.keys[kid]
		c.mu.Unlock()
		if ok {
			log.Printf("[auth] JWKS refresh failed, using stale cache: %v", err)
			return key, nil
		}
		return nil, err
	}

	c.mu.Lock()
	key, ok := c.keys[kid]
	c.mu.Unlock()
	if !ok {
		return nil, errKeyNotFound
	}
	return key, nil
}

// ForceRefresh refetches the key set after a verification failure. Returns
// false when the rate limit suppressed the fetch, meaning a retry with the
// same cache is pointless.
func (c *keyCache) ForceRefresh(ctx context.Context) bool {
	c.mu.Lock()
	if time.Since(c.lastForced) < forceRefreshInterval {
		c.mu.Unlock()
		return false
	}
	c.lastForced = time.Now()
	c.mu.Unlock()

	if err := c.refresh(ctx); err != nil {
		log.Printf("[auth] forced JWKS refresh failed: %v", err)
		return false
	}
	return true
}

func (c *keyCache) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("read jwks: %w", err)
	}

	var payload struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("parse jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, k := range payload.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			log.Printf("[auth] skipping unusable JWKS key %s: %v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("jwks from %s contains no usable RSA keys", c.url)
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	log.Printf("[auth] JWKS refreshed: %d key(s)", len(keys))
	return nil
}

func rsaKeyFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
