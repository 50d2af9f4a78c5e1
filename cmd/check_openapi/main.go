package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]operation `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type operation struct {
	Responses map[string]response `yaml:"responses"`
}

type response struct {
	Ref string `yaml:"$ref"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
}

const errorResponseRef = "#/components/responses/Error"

// routes served by services/signing; keep in sync with server.routes.
var routes = []string{
	"GET /healthz",
	"GET /documents",
	"POST /documents",
	"GET /documents/{id}",
	"GET /documents/{id}/timeline",
	"GET /documents/{id}/download",
	"POST /documents/{id}/visar",
	"POST /documents/{id}/sign",
	"POST /documents/{id}/reject",
	"POST /documents/{id}/signers",
	"GET /public/documents/{token}",
	"POST /public/documents/{token}/visar",
	"POST /public/documents/{token}/reject",
	"GET /public/sign/{token}",
	"POST /public/sign/{token}",
	"POST /public/sign/{token}/reject",
	"GET /verify/{code}",
	"POST /internal/reseal",
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <signing-openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(doc openAPIDoc) error {
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	if missing := missingRoutes(doc); len(missing) > 0 {
		return fmt.Errorf("routes missing from document: %s", strings.Join(missing, ", "))
	}
	return validateErrorRefs(doc)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

// validateErrorResponse pins the body written by server.writeError.
func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	if len(s.Properties) != 3 {
		return fmt.Errorf("ErrorResponse has unexpected properties: %v", keys(s.Properties))
	}
	return nil
}

func missingRoutes(doc openAPIDoc) []string {
	var missing []string
	for _, route := range routes {
		method, path, _ := strings.Cut(route, " ")
		ops, ok := doc.Paths[path]
		if !ok {
			missing = append(missing, route)
			continue
		}
		if _, ok := ops[strings.ToLower(method)]; !ok {
			missing = append(missing, route)
		}
	}
	return missing
}

// validateErrorRefs requires every 4xx/5xx response to use the shared
// error response.
func validateErrorRefs(doc openAPIDoc) error {
	paths := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		for method, op := range doc.Paths[p] {
			for status, resp := range op.Responses {
				if !strings.HasPrefix(status, "4") && !strings.HasPrefix(status, "5") {
					continue
				}
				if strings.TrimSpace(resp.Ref) != errorResponseRef {
					return fmt.Errorf("%s %s response %s must reference %s", strings.ToUpper(method), p, status, errorResponseRef)
				}
			}
		}
	}
	return nil
}

func keys(m map[string]schema) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
