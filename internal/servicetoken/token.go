// Package servicetoken signs and verifies the short-lived RS256 tokens used
// by operational callers such as the reseal scheduler.
package servicetoken

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"signflow/internal/util"
)

const (
	DefaultTokenTTL = 60 * time.Second
	DefaultLeeway   = 15 * time.Second
	DefaultKeyID    = "ops-active"
	// Audience is the only audience the signing service accepts.
	Audience = "signflow-internal"
	// ScopeReseal allows triggering the phase-two sealing sweep.
	ScopeReseal = "documents:reseal"
)

// Claims is the operational token body.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// SignerOptions configures token signing.
type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	Scope          string
	TTL            time.Duration
}

// Signer issues short-lived operational JWTs.
type Signer struct {
	opts SignerOptions
	key  *rsa.PrivateKey
}

// NewSigner loads the private key named in opts.
func NewSigner(opts SignerOptions) (*Signer, error) {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.PrivateKeyPath = strings.TrimSpace(opts.PrivateKeyPath)
	if opts.Issuer == "" || opts.PrivateKeyPath == "" {
		return nil, errors.New("service token signer needs an issuer and a private key path")
	}
	key, err := privateKeyFile(opts.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load ops private key: %w", err)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTokenTTL
	}
	if opts.KeyID = strings.TrimSpace(opts.KeyID); opts.KeyID == "" {
		opts.KeyID = DefaultKeyID
	}
	return &Signer{opts: opts, key: key}, nil
}

// Sign issues a token for audience with a fresh jti.
func (s *Signer) Sign(audience string) (string, error) {
	if audience = strings.TrimSpace(audience); audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		Scope: s.opts.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.opts.Issuer,
			Subject:   s.opts.Issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TTL)),
			ID:        util.NewID(),
		},
	})
	t.Header["kid"] = s.opts.KeyID
	return t.SignedString(s.key)
}

// VerifierOptions configures verification. Keys maps kid to a PEM path;
// PublicKeyPath is registered under DefaultKeyID.
type VerifierOptions struct {
	PublicKeyPath  string
	Keys           map[string]string
	DefaultKeyID   string
	Audience       string
	AllowedIssuers []string
	RequiredScope  string
	Leeway         time.Duration
}

// Verifier validates operational JWTs. Each jti is accepted once while the
// token is live.
type Verifier struct {
	parser   *jwt.Parser
	keys     map[string]*rsa.PublicKey
	issuers  map[string]bool
	scope    string
	mu       sync.Mutex
	seenJTIs map[string]time.Time
}

// NewVerifier loads every configured public key.
func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	issuers := map[string]bool{}
	for _, iss := range opts.AllowedIssuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			issuers[iss] = true
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	paths := map[string]string{}
	if p := strings.TrimSpace(opts.PublicKeyPath); p != "" {
		kid := strings.TrimSpace(opts.DefaultKeyID)
		if kid == "" {
			kid = DefaultKeyID
		}
		paths[kid] = p
	}
	for kid, p := range opts.Keys {
		if kid, p = strings.TrimSpace(kid), strings.TrimSpace(p); kid != "" && p != "" {
			paths[kid] = p
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("service token verifier requires an rsa public key")
	}
	keys, err := loadKeyRing(paths)
	if err != nil {
		return nil, err
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		audience = Audience
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
		keys:     keys,
		issuers:  issuers,
		scope:    strings.TrimSpace(opts.RequiredScope),
		seenJTIs: map[string]time.Time{},
	}, nil
}

// Verify checks signature, lifetime, audience, issuer, scope and that the
// jti has not been presented before.
func (v *Verifier) Verify(token string) (Claims, error) {
	var c Claims
	if token = strings.TrimSpace(token); token == "" {
		return c, errors.New("token required")
	}
	_, err := v.parser.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pub, ok := v.keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, fmt.Errorf("unknown token key %q", kid)
		}
		return pub, nil
	})
	if err != nil {
		return c, err
	}
	if !v.issuers[c.Issuer] {
		return c, fmt.Errorf("issuer %q not allowed", c.Issuer)
	}
	if v.scope != "" && !hasScope(c.Scope, v.scope) {
		return c, fmt.Errorf("scope %q required", v.scope)
	}
	if c.ID == "" {
		return c, errors.New("jti required")
	}
	if !v.firstUse(c.ID, c.ExpiresAt.Time) {
		return c, errors.New("token replayed")
	}
	return c, nil
}

func (v *Verifier) firstUse(jti string, expires time.Time) bool {
	now := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, exp := range v.seenJTIs {
		if now.After(exp) {
			delete(v.seenJTIs, id)
		}
	}
	if _, dup := v.seenJTIs[jti]; dup {
		return false
	}
	v.seenJTIs[jti] = expires.Add(DefaultLeeway)
	return true
}

func hasScope(granted, want string) bool {
	for _, s := range strings.Fields(granted) {
		if s == want {
			return true
		}
	}
	return false
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
