package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"signflow/internal/servicetoken"
)

type staticSigner struct {
	token string
	err   error
}

func (s staticSigner) Sign(audience string) (string, error) {
	if audience != servicetoken.Audience {
		return "", errors.New("unexpected audience " + audience)
	}
	return s.token, s.err
}

func TestResealPostsLimitWithBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/internal/reseal" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		var body map[string]int
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["limit"] != 7 {
			t.Errorf("limit = %d", body["limit"])
		}
		_, _ = w.Write([]byte(`{"scheduled":3}`))
	}))
	defer srv.Close()

	n, err := reseal(srv.Client(), staticSigner{token: "tok"}, srv.URL+"/", 7)
	if err != nil {
		t.Fatalf("reseal: %v", err)
	}
	if n != 3 {
		t.Fatalf("scheduled = %d, want 3", n)
	}
}

func TestResealReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized","code":"AUTH_INVALID_TOKEN"}`))
	}))
	defer srv.Close()

	_, err := reseal(srv.Client(), staticSigner{token: "tok"}, srv.URL, 1)
	if err == nil || !strings.Contains(err.Error(), "AUTH_INVALID_TOKEN") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestResealSignError(t *testing.T) {
	_, err := reseal(http.DefaultClient, staticSigner{err: errors.New("no key")}, "http://127.0.0.1:1", 1)
	if err == nil || !strings.Contains(err.Error(), "sign ops token") {
		t.Fatalf("expected sign error, got %v", err)
	}
}
