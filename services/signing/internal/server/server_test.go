package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"signflow/internal/pdftest"
	"signflow/internal/ratelimit"
	"signflow/internal/servicetoken"
	"signflow/internal/usertoken"
	"signflow/pkg/domain"
	"signflow/pkg/sealing"
	"signflow/pkg/sequence"
	"signflow/pkg/storage"
	"signflow/pkg/store"
	"signflow/services/signing/internal/app"
	"signflow/services/signing/internal/notify"
	"signflow/services/signing/internal/security"
)

type fakeIdentities map[string]usertoken.Identity

func (f fakeIdentities) Verify(_ context.Context, token string) (usertoken.Identity, error) {
	id, ok := f[token]
	if !ok {
		return usertoken.Identity{}, errors.New("bad token")
	}
	return id, nil
}

type fakeOps struct{}

func (fakeOps) Verify(token string) (servicetoken.Claims, error) {
	if token != "ops-token" {
		return servicetoken.Claims{}, errors.New("bad token")
	}
	return servicetoken.Claims{Scope: servicetoken.ScopeReseal, RegisteredClaims: jwt.RegisteredClaims{Issuer: "reseal-cron", ID: "1"}}, nil
}

type copyStamper struct{}

func (copyStamper) Watermark(src []byte, _ string) ([]byte, error) { return src, nil }
func (copyStamper) Seal(src []byte, _ sealing.Block) ([]byte, error) {
	return append(append([]byte(nil), src...), "%sealed"...), nil
}

type quietSender struct{}

func (quietSender) Send(context.Context, notify.Message) error { return nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	srv   *httptest.Server
	core  *app.App
	store *store.MemoryStore
	clock *clock
}

func newFixture(t *testing.T, limiter Limiter, alerter ProbeObserver) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	objects := storage.NewMemoryStore("https://files.test")
	clk := &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	issuer := sequence.NewIssuer("")
	issuer.Now = clk.Now
	core, err := app.New(app.Config{
		Store:         mem,
		Objects:       objects,
		Pipeline:      sealing.NewPipeline(objects, copyStamper{}, "https://sign.test"),
		Issuer:        issuer,
		Sender:        quietSender{},
		PublicBaseURL: "https://sign.test",
		Now:           clk.Now,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	s, err := New(Config{
		App: core,
		TokenVerifier: fakeIdentities{
			"owner-token":    {Subject: "owner-1", Name: "Olga", Email: "olga@example.com"},
			"intruder-token": {Subject: "owner-2", Name: "Mallory"},
		},
		OpsVerifier:   fakeOps{},
		PublicLimiter: limiter,
		Alerter:       alerter,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(core.Wait)
	return &fixture{srv: srv, core: core, store: mem, clock: clk}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, f.srv.URL+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return send(t, req)
}

func send(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) create(t *testing.T, payload map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	raw, _ := json.Marshal(payload)
	_ = mw.WriteField("payload", string(raw))
	fw, _ := mw.CreateFormFile("file", "contrato.pdf")
	_, _ = fw.Write(pdftest.Minimal(1))
	_ = mw.Close()
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer owner-token")
	return send(t, req)
}

func (f *fixture) signTokens(t *testing.T, docID string) []string {
	t.Helper()
	signers, err := f.store.ListSigners(context.Background(), docID)
	if err != nil {
		t.Fatalf("list signers: %v", err)
	}
	out := make([]string, 0, len(signers))
	for _, s := range signers {
		out = append(out, s.SignToken)
	}
	return out
}

func defaultPayload(visado bool, emails ...string) map[string]any {
	signers := make([]map[string]string, 0, len(emails))
	for _, e := range emails {
		signers = append(signers, map[string]string{"name": "Signer " + e, "email": e, "nationalId": "1-9"})
	}
	p := map[string]any{
		"title":          "Contrato de arriendo",
		"companyId":      "76.000.000-0",
		"requiresVisado": visado,
		"signers":        signers,
	}
	if visado {
		p["visadorName"] = "Victor"
		p["visadorEmail"] = "victor@example.com"
	}
	return p
}

func expectCode(t *testing.T, resp *http.Response, body map[string]any, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, status, body)
	}
	if code != "" && body["code"] != code {
		t.Fatalf("code = %v, want %s", body["code"], code)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil, nil)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestOwnerRoutesRequireToken(t *testing.T) {
	f := newFixture(t, nil, nil)
	resp, body := f.do(t, http.MethodGet, "/documents", "", nil)
	expectCode(t, resp, body, http.StatusUnauthorized, "AUTH_INVALID_TOKEN")
	if body["requestId"] == "" || body["requestId"] == nil {
		t.Fatalf("error body must carry request id: %v", body)
	}
	resp, body = f.do(t, http.MethodGet, "/documents", "forged", nil)
	expectCode(t, resp, body, http.StatusUnauthorized, "AUTH_INVALID_TOKEN")
}

func TestCreateSignAndVerifyOverHTTP(t *testing.T) {
	f := newFixture(t, nil, nil)
	resp, doc := f.create(t, defaultPayload(false, "ana@example.com"))
	expectCode(t, resp, doc, http.StatusCreated, "")
	if doc["status"] != string(domain.StatusPendingSignature) {
		t.Fatalf("status = %v", doc["status"])
	}
	if !strings.HasPrefix(doc["contractNumber"].(string), "DOC-2026-") {
		t.Fatalf("contract number = %v", doc["contractNumber"])
	}
	if _, leaked := doc["accessToken"]; leaked {
		t.Fatalf("access token must not be serialized")
	}
	id := doc["id"].(string)
	code := doc["verificationCode"].(string)

	resp, body := f.do(t, http.MethodGet, "/documents/"+id, "intruder-token", nil)
	expectCode(t, resp, body, http.StatusForbidden, "FORBIDDEN")

	token := f.signTokens(t, id)[0]
	resp, body = f.do(t, http.MethodGet, "/public/sign/"+token, "", nil)
	expectCode(t, resp, body, http.StatusOK, "")
	if body["canSign"] != true {
		t.Fatalf("expected canSign: %v", body)
	}

	resp, body = f.do(t, http.MethodPost, "/public/sign/"+token, "", nil)
	expectCode(t, resp, body, http.StatusOK, "")
	if body["status"] != string(domain.StatusSigned) || body["progress"] != float64(100) {
		t.Fatalf("sign reply: %v", body)
	}

	resp, body = f.do(t, http.MethodPost, "/public/sign/"+token, "", nil)
	expectCode(t, resp, body, http.StatusConflict, "ALREADY_SIGNED")
	f.core.Wait()

	resp, body = f.do(t, http.MethodGet, "/verify/"+strings.ToLower(code), "", nil)
	expectCode(t, resp, body, http.StatusOK, "")
	if body["sealedUrl"] == nil || body["status"] != string(domain.StatusSigned) {
		t.Fatalf("verification: %v", body)
	}
	events, _ := body["events"].([]any)
	if len(events) == 0 {
		t.Fatalf("verification must list events: %v", body)
	}
	for _, e := range events {
		if actor, _ := e.(map[string]any)["actor"].(string); strings.Contains(actor, "@") {
			t.Fatalf("verification leaks actor email: %q", actor)
		}
	}

	resp, body = f.do(t, http.MethodGet, "/documents/"+id+"/download?variant=sealed", "owner-token", nil)
	expectCode(t, resp, body, http.StatusOK, "")
	if !strings.Contains(body["url"].(string), "original.sealed.pdf") {
		t.Fatalf("download url: %v", body)
	}

	resp, body = f.do(t, http.MethodGet, "/documents/"+id+"/timeline", "owner-token", nil)
	expectCode(t, resp, body, http.StatusOK, "")
	if events, _ := body["events"].([]any); len(events) != 3 {
		t.Fatalf("expected CREATED, SIGNED_COMPLETE, ARTIFACT_SEALED, got %v", body["events"])
	}
}

func TestCreateValidationErrors(t *testing.T) {
	f := newFixture(t, nil, nil)
	resp, body := f.create(t, defaultPayload(false))
	expectCode(t, resp, body, http.StatusBadRequest, "VALIDATION_ERROR")

	resp, body = f.do(t, http.MethodPost, "/documents", "owner-token", map[string]string{"title": "x"})
	expectCode(t, resp, body, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestReviewFlowAndRejection(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, doc := f.create(t, defaultPayload(true, "ana@example.com"))
	id := doc["id"].(string)
	stored, _, _ := f.store.GetDocument(context.Background(), id)

	resp, body := f.do(t, http.MethodGet, "/public/documents/"+stored.AccessToken, "", nil)
	expectCode(t, resp, body, http.StatusOK, "")
	if body["canVisar"] != true {
		t.Fatalf("expected canVisar: %v", body)
	}

	resp, body = f.do(t, http.MethodPost, "/public/documents/"+stored.AccessToken+"/reject", "", map[string]string{"reason": " "})
	expectCode(t, resp, body, http.StatusBadRequest, "VALIDATION_ERROR")

	resp, body = f.do(t, http.MethodPost, "/documents/"+id+"/reject", "owner-token", map[string]string{"reason": "missing annex"})
	expectCode(t, resp, body, http.StatusOK, "")
	if body["status"] != string(domain.StatusRejected) {
		t.Fatalf("status = %v", body["status"])
	}

	resp, body = f.do(t, http.MethodPost, "/public/documents/"+stored.AccessToken+"/visar", "", nil)
	expectCode(t, resp, body, http.StatusConflict, "INVALID_TRANSITION")
	resp, body = f.do(t, http.MethodPost, "/documents/"+id+"/reject", "owner-token", map[string]string{"reason": "again"})
	expectCode(t, resp, body, http.StatusConflict, "ALREADY_FINAL")
}

func TestTokenErrors(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, doc := f.create(t, defaultPayload(true, "ana@example.com"))
	token := f.signTokens(t, doc["id"].(string))[0]

	resp, body := f.do(t, http.MethodPost, "/public/sign/unknown-token", "", nil)
	expectCode(t, resp, body, http.StatusUnauthorized, "TOKEN_INVALID")

	f.clock.Advance(45 * 24 * time.Hour)
	resp, body = f.do(t, http.MethodPost, "/public/sign/"+token, "", nil)
	expectCode(t, resp, body, http.StatusGone, "TOKEN_EXPIRED")

	resp, body = f.do(t, http.MethodGet, "/verify/ZZZZZZZZZZ", "", nil)
	expectCode(t, resp, body, http.StatusNotFound, "NOT_FOUND")
}

func TestOwnerAddsSigner(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, doc := f.create(t, defaultPayload(false, "ana@example.com"))
	id := doc["id"].(string)
	resp, body := f.do(t, http.MethodPost, "/documents/"+id+"/signers", "owner-token",
		map[string]string{"name": "Beto", "email": "beto@example.com", "nationalId": "2-7"})
	expectCode(t, resp, body, http.StatusCreated, "")
	if body["position"] != float64(2) {
		t.Fatalf("position = %v", body["position"])
	}
	resp, body = f.do(t, http.MethodPost, "/documents/"+id+"/sign", "owner-token", nil)
	expectCode(t, resp, body, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestPublicRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisLimiter(mr.Addr(), "", "test", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	f := newFixture(t, limiter, nil)
	for i := 0; i < 2; i++ {
		resp, body := f.do(t, http.MethodGet, "/verify/ABCDEFGHJK", "", nil)
		expectCode(t, resp, body, http.StatusNotFound, "NOT_FOUND")
	}
	resp, body := f.do(t, http.MethodGet, "/verify/ABCDEFGHJK", "", nil)
	expectCode(t, resp, body, http.StatusTooManyRequests, "RATE_LIMITED")
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	resp, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must not be rate limited")
	}
}

func TestInternalReseal(t *testing.T) {
	f := newFixture(t, nil, nil)
	resp, body := f.do(t, http.MethodPost, "/internal/reseal", "", nil)
	expectCode(t, resp, body, http.StatusUnauthorized, "AUTH_INVALID_TOKEN")
	resp, body = f.do(t, http.MethodPost, "/internal/reseal", "ops-token", map[string]int{"limit": 5})
	expectCode(t, resp, body, http.StatusOK, "")
	if body["scheduled"] != float64(0) {
		t.Fatalf("scheduled = %v", body["scheduled"])
	}
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAlerter) Observe(_ context.Context, event, outcome, _ string) (security.AlertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+"/"+outcome)
	return security.AlertResult{Triggered: len(r.events) == 1, Count: int64(len(r.events)), Threshold: 1}, nil
}

func TestFailedAttemptsReachAlerter(t *testing.T) {
	alerter := &recordingAlerter{}
	f := newFixture(t, nil, alerter)
	f.do(t, http.MethodGet, "/public/sign/guess-1", "", nil)
	f.do(t, http.MethodGet, "/documents", "forged", nil)
	f.do(t, http.MethodPost, "/internal/reseal", "forged", nil)
	f.do(t, http.MethodGet, "/verify/ABCDEFGHJK", "", nil)

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	want := []string{
		security.EventPublicToken + "/" + security.OutcomeInvalid,
		security.EventOwnerAuth + "/" + security.OutcomeFail,
		security.EventOpsAuth + "/" + security.OutcomeFail,
	}
	if strings.Join(alerter.events, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", alerter.events, want)
	}
}
