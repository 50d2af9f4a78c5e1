package main

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestSigningDocumentPasses(t *testing.T) {
	doc, err := loadDoc("../../services/signing/api/openapi.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := check(doc); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func parse(t *testing.T, raw string) openAPIDoc {
	t.Helper()
	var doc openAPIDoc
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestErrorResponseShape(t *testing.T) {
	doc := parse(t, `
components:
  schemas:
    ErrorResponse:
      type: object
      required: [error]
      properties:
        error: { type: string }
        code: { type: string }
        requestId: { type: string }
`)
	s, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := validateErrorResponse(s); err == nil || !strings.Contains(err.Error(), `"code"`) {
		t.Fatalf("expected missing code error, got %v", err)
	}
}

func TestMissingRoutesAndRefs(t *testing.T) {
	doc := parse(t, `
paths:
  /healthz:
    get:
      responses:
        "200": { description: ok }
  /documents:
    get:
      responses:
        "401": { description: inline error }
`)
	missing := missingRoutes(doc)
	if len(missing) != len(routes)-2 {
		t.Fatalf("missing = %d, want %d", len(missing), len(routes)-2)
	}
	if err := validateErrorRefs(doc); err == nil || !strings.Contains(err.Error(), "GET /documents response 401") {
		t.Fatalf("expected ref error, got %v", err)
	}
}
