package servicetoken

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ParseKeyMap parses "kid=path,kid2=path2" as used by OPS_JWT_VERIFY_PUBLIC_KEYS.
func ParseKeyMap(raw string) (map[string]string, error) {
	var out map[string]string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}
		kid, path, _ := strings.Cut(entry, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid == "" || path == "" {
			return nil, fmt.Errorf("invalid key entry %q", entry)
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[kid] = path
	}
	return out, nil
}

func pemBlock(path string) (*pem.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no pem block", path)
	}
	return block, nil
}

func privateKeyFile(path string) (*rsa.PrivateKey, error) {
	block, err := pemBlock(path)
	if err != nil {
		return nil, err
	}
	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return key, nil
}

func publicKeyFile(path string) (*rsa.PublicKey, error) {
	block, err := pemBlock(path)
	if err != nil {
		return nil, err
	}
	var parsed any
	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		parsed = cert.PublicKey
	} else if parsed, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not rsa")
	}
	return pub, nil
}

// loadKeyRing resolves kid to key for every configured path.
func loadKeyRing(paths map[string]string) (map[string]*rsa.PublicKey, error) {
	ring := make(map[string]*rsa.PublicKey, len(paths))
	for kid, path := range paths {
		pub, err := publicKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("ops key %q: %w", kid, err)
		}
		ring[kid] = pub
	}
	return ring, nil
}
