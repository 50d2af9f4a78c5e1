// Package usertoken verifies owner bearer tokens issued by the external
// identity provider.
package usertoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer       = "signflow-auth"
	defaultAudience     = "signflow-api"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
	defaultCooldown     = 30 * time.Second
)

// Config selects the key source: a JWKS endpoint, or a PEM file when the
// provider does not publish one.
type Config struct {
	JWKSURL       string
	PublicKeyPath string
	Issuer        string
	Audience      string
	Leeway        time.Duration
	// RefreshCooldown spaces JWKS refetches caused by unknown kids.
	RefreshCooldown time.Duration
	HTTPClient      *http.Client
}

// Identity is the authenticated owner.
type Identity struct {
	Subject string
	Name    string
	Email   string
}

type claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates RS256 owner tokens.
type Verifier struct {
	keys   keySource
	parser *jwt.Parser
}

// NewVerifier builds a verifier. A JWKS source is fetched once up front so a
// misconfigured URL fails at boot.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{parser: jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(orDefault(cfg.Issuer, defaultIssuer)),
		jwt.WithAudience(orDefault(cfg.Audience, defaultAudience)),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(durationOr(cfg.Leeway, defaultLeeway)),
	)}

	if path := strings.TrimSpace(cfg.PublicKeyPath); path != "" {
		pub, err := readPEMKey(path)
		if err != nil {
			return nil, fmt.Errorf("owner token key %s: %w", path, err)
		}
		v.keys = pinnedKey{pub: pub}
		return v, nil
	}
	url := strings.TrimSpace(cfg.JWKSURL)
	if url == "" {
		return nil, errors.New("owner tokens need a jwks url or a public key path")
	}
	cache := &jwksCache{
		url:      url,
		client:   cfg.HTTPClient,
		cooldown: durationOr(cfg.RefreshCooldown, defaultCooldown),
		now:      time.Now,
	}
	if cache.client == nil {
		cache.client = &http.Client{Timeout: 5 * time.Second}
	}
	if err := cache.refresh(context.Background()); err != nil {
		return nil, err
	}
	v.keys = cache
	return v, nil
}

// Verify validates token and returns the owner it names.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, errors.New("token required")
	}
	var c claims
	_, err := v.parser.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.key(ctx, kid)
	})
	if err != nil {
		return Identity{}, err
	}
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		return Identity{}, errors.New("token subject missing")
	}
	return Identity{
		Subject: subject,
		Name:    strings.TrimSpace(c.Name),
		Email:   strings.ToLower(strings.TrimSpace(c.Email)),
	}, nil
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
