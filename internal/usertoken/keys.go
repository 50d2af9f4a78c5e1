package usertoken

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var errUnknownKey = errors.New("unknown token key")

// keySource resolves the RSA key that signed a token.
type keySource interface {
	key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// pinnedKey serves a single key read from disk; kid is ignored.
type pinnedKey struct{ pub *rsa.PublicKey }

func (p pinnedKey) key(context.Context, string) (*rsa.PublicKey, error) { return p.pub, nil }

// jwksCache holds the identity provider's published keys. An unknown kid
// triggers a refetch at most once per cooldown, so forged kids cannot turn
// every request into an outbound call.
type jwksCache struct {
	url      string
	client   *http.Client
	cooldown time.Duration
	now      func() time.Time
	flight   singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expires   time.Time
	fetchedAt time.Time
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	kid = strings.TrimSpace(kid)
	c.mu.RLock()
	pub, ok := c.keys[kid]
	stale := c.now().After(c.expires)
	recent := c.now().Sub(c.fetchedAt) < c.cooldown
	c.mu.RUnlock()

	if ok && !stale {
		return pub, nil
	}
	if !ok && !stale && recent {
		return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
	}
	if err := c.refresh(ctx); err != nil {
		if ok {
			// provider unreachable; a known key beats a hard failure
			return pub, nil
		}
		return nil, err
	}
	c.mu.RLock()
	pub, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownKey, kid)
	}
	return pub, nil
}

func (c *jwksCache) refresh(ctx context.Context) error {
	_, err, _ := c.flight.Do("jwks", func() (any, error) {
		keys, ttl, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		now := c.now()
		c.mu.Lock()
		c.keys, c.expires, c.fetchedAt = keys, now.Add(ttl), now
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *jwksCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, 0, fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") || k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if pub, err := k.rsa(); err == nil {
			keys[strings.TrimSpace(k.Kid)] = pub
		}
	}
	if len(keys) == 0 {
		return nil, 0, errors.New("jwks has no rsa signing keys")
	}
	return keys, maxAge(resp.Header.Get("Cache-Control"), defaultJWKSCacheTTL), nil
}

func (k jwk) rsa() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(k.N))
	if err != nil {
		return nil, err
	}
	e, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(k.E))
	if err != nil {
		return nil, err
	}
	mod, exp := new(big.Int).SetBytes(n), new(big.Int).SetBytes(e)
	if mod.BitLen() < 2048 || !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("weak or malformed rsa key")
	}
	return &rsa.PublicKey{N: mod, E: int(exp.Int64())}, nil
}

// readPEMKey accepts a PKIX or PKCS#1 public key, or a certificate.
func readPEMKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	var parsed any
	switch block.Type {
	case "RSA PUBLIC KEY":
		parsed, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		if cert, err = x509.ParseCertificate(block.Bytes); err == nil {
			parsed = cert.PublicKey
		}
	default:
		parsed, err = x509.ParsePKIXPublicKey(block.Bytes)
	}
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s is not an rsa key", block.Type)
	}
	return pub, nil
}

// maxAge reads the max-age directive of a Cache-Control header.
func maxAge(header string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
