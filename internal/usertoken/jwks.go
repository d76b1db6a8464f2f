package usertoken

import (
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
)

const defaultKeyCacheTTL = 5 * time.Minute

// keyCache holds the identity provider's current RSA public keys by kid.
// A miss triggers a refetch, which covers key rotation: tokens signed by a
// freshly rotated key carry a kid the cache has not seen yet.
type keyCache struct {
	url    string
	client *http.Client

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	staleAt time.Time
}

func newKeyCache(url string, client *http.Client) (*keyCache, error) {
	c := &keyCache{url: url, client: client}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *keyCache) get(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[kid]; ok && time.Now().Before(c.staleAt) {
		return key, nil
	}
	if err := c.refreshLocked(); err != nil {
		// A known key beats rejecting everyone while the idp is down.
		if key, ok := c.keys[kid]; ok {
			return key, nil
		}
		return nil, err
	}
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("jwks has no key %q", kid)
	}
	return key, nil
}

// refreshLocked fetches the JWKS while holding the mutex, which also
// collapses concurrent refreshes for the same rotation into one fetch.
func (c *keyCache) refreshLocked() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Use string `json:"use"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") {
			continue
		}
		if use := strings.TrimSpace(k.Use); use != "" && !strings.EqualFold(use, "sig") {
			continue
		}
		kid := strings.TrimSpace(k.Kid)
		if kid == "" {
			continue
		}
		key, err := decodeRSAJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[kid] = key
	}
	if len(keys) == 0 {
		return errors.New("jwks has no usable rsa signing keys")
	}

	ttl := cacheTTL(resp.Header.Get("Cache-Control"))
	c.keys = keys
	c.staleAt = time.Now().Add(ttl)
	return nil
}

func decodeRSAJWK(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, fmt.Errorf("jwk modulus: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	if n.Sign() <= 0 {
		return nil, errors.New("jwk modulus is not positive")
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, fmt.Errorf("jwk exponent: %w", err)
	}
	if len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, errors.New("jwk exponent out of range")
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, errors.New("jwk exponent out of range")
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}

// cacheTTL honors the provider's Cache-Control max-age for the keys.
func cacheTTL(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		raw, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || secs < 0 {
			break
		}
		return time.Duration(secs) * time.Second
	}
	return defaultKeyCacheTTL
}
