package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"signflow/internal/servicetoken"
)

func main() {
	baseURL := flag.String("url", envOr("SIGNFLOW_URL", "http://localhost:8090"), "signing service base URL")
	keyPath := flag.String("key", os.Getenv("OPS_JWT_PRIVATE_KEY_PATH"), "RSA private key used to sign the ops token")
	keyID := flag.String("kid", envOr("OPS_JWT_KEY_ID", servicetoken.DefaultKeyID), "key id placed in the token header")
	issuer := flag.String("issuer", envOr("OPS_JWT_ISSUER", "signflow-reseal"), "token issuer; must be allowed by the service")
	limit := flag.Int("limit", 100, "maximum documents to schedule")
	flag.Parse()

	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: *keyPath,
		KeyID:          *keyID,
		Issuer:         *issuer,
		Scope:          servicetoken.ScopeReseal,
	})
	if err != nil {
		exitErr(err)
	}
	n, err := reseal(&http.Client{Timeout: 30 * time.Second}, signer, *baseURL, *limit)
	if err != nil {
		exitErr(err)
	}
	fmt.Printf("scheduled %d document(s) for sealing\n", n)
}

type tokenSigner interface {
	Sign(audience string) (string, error)
}

func reseal(client *http.Client, signer tokenSigner, baseURL string, limit int) (int, error) {
	token, err := signer.Sign(servicetoken.Audience)
	if err != nil {
		return 0, fmt.Errorf("sign ops token: %w", err)
	}
	body, _ := json.Marshal(map[string]int{"limit": limit})
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+"/internal/reseal", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call reseal: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("reseal failed: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var out struct {
		Scheduled int `json:"scheduled"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("decode reseal response: %w", err)
	}
	return out.Scheduled, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
