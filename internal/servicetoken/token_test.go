package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSignerVerifierRS256(t *testing.T) {
	privatePath, publicPath := writeRSAKeyPairFiles(t, "ops")
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: privatePath, Issuer: "reseal-cron", Scope: ScopeReseal, TTL: 2 * time.Second})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{
		PublicKeyPath:  publicPath,
		AllowedIssuers: []string{"reseal-cron"},
		RequiredScope:  ScopeReseal,
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := signer.Sign(Audience)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "reseal-cron" || claims.ID == "" || claims.Scope != ScopeReseal {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected replayed token to fail")
	}
}

func TestVerifierRequiresScope(t *testing.T) {
	privatePath, publicPath := writeRSAKeyPairFiles(t, "scope")
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: privatePath, Issuer: "reseal-cron"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{PublicKeyPath: publicPath, AllowedIssuers: []string{"reseal-cron"}, RequiredScope: ScopeReseal})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, _ := signer.Sign(Audience)
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected token without scope to fail")
	}
}

func TestSignerRequiresPrivateKey(t *testing.T) {
	if _, err := NewSigner(SignerOptions{Issuer: "reseal-cron"}); err == nil {
		t.Fatalf("expected missing key path to fail")
	}
}

func TestVerifierRejectsWrongAudienceAndIssuer(t *testing.T) {
	privatePath, publicPath := writeRSAKeyPairFiles(t, "aud")
	signer, err := NewSigner(SignerOptions{PrivateKeyPath: privatePath, Issuer: "reseal-cron"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{PublicKeyPath: publicPath, AllowedIssuers: []string{"someone-else"}})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	wrongAud, _ := signer.Sign("other")
	if _, err := verifier.Verify(wrongAud); err == nil {
		t.Fatalf("expected wrong audience to fail")
	}
	right, _ := signer.Sign(Audience)
	if _, err := verifier.Verify(right); err == nil {
		t.Fatalf("expected disallowed issuer to fail")
	}
}

func TestVerifierRejectsUnknownKid(t *testing.T) {
	privatePath, _ := writeRSAKeyPairFiles(t, "a")
	_, otherPublic := writeRSAKeyPairFiles(t, "b")
	signer, _ := NewSigner(SignerOptions{PrivateKeyPath: privatePath, Issuer: "reseal-cron", KeyID: "kid-a"})
	verifier, err := NewVerifier(VerifierOptions{Keys: map[string]string{"kid-b": otherPublic}, AllowedIssuers: []string{"reseal-cron"}})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, _ := signer.Sign(Audience)
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
}

func TestParseKeyMap(t *testing.T) {
	got, err := ParseKeyMap("a=/k/a.pem, b=/k/b.pem")
	if err != nil || len(got) != 2 || got["b"] != "/k/b.pem" {
		t.Fatalf("parse: %v %v", got, err)
	}
	if _, err := ParseKeyMap("broken"); err == nil {
		t.Fatalf("expected malformed entry to fail")
	}
	if got, err := ParseKeyMap(" , "); err != nil || got != nil {
		t.Fatalf("blank map: %v %v", got, err)
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if _, ok := BearerToken(req); ok {
		t.Fatalf("expected no token")
	}
	req.Header.Set("Authorization", "bearer abc")
	token, ok := BearerToken(req)
	if !ok || token != "abc" {
		t.Fatalf("expected bearer token")
	}
	req.Header.Set("Authorization", "Basic abc")
	if _, ok := BearerToken(req); ok {
		t.Fatalf("basic auth is not a bearer token")
	}
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}
