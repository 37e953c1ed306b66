package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"exampilot/services/api/internal/server"
)

type openAPIDoc struct {
	Paths      map[string]map[string]any `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

var httpMethods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true,
	"patch": true, "head": true, "options": true,
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if errs := check(doc, server.Routes()); len(errs) > 0 {
		exitErr(errors.Join(errs...))
	}
	fmt.Println("OpenAPI consistency check passed.")
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

// check reports routes missing from the document, documented operations the
// server does not serve, and an ErrorResponse that does not match the
// {"error", "code"} body every handler writes.
func check(doc openAPIDoc, routes []string) []error {
	var errs []error
	served := makeSet(routes)
	for _, rt := range routes {
		method, path, ok := strings.Cut(rt, " ")
		if !ok {
			errs = append(errs, fmt.Errorf("route %q has no method", rt))
			continue
		}
		ops, ok := doc.Paths[path]
		if !ok {
			errs = append(errs, fmt.Errorf("path %s is not documented", path))
			continue
		}
		if _, ok := ops[strings.ToLower(method)]; !ok {
			errs = append(errs, fmt.Errorf("operation %s is not documented", rt))
		}
	}
	documented := make([]string, 0, len(doc.Paths))
	for path, ops := range doc.Paths {
		for method := range ops {
			if httpMethods[method] {
				documented = append(documented, strings.ToUpper(method)+" "+path)
			}
		}
	}
	sort.Strings(documented)
	for _, op := range documented {
		if !served[op] {
			errs = append(errs, fmt.Errorf("operation %s is documented but not served", op))
		}
	}
	if err := validateErrorResponse(doc); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func validateErrorResponse(doc openAPIDoc) error {
	if doc.Components.Schemas == nil {
		return errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas["ErrorResponse"]
	if !ok {
		return errors.New(`schema "ErrorResponse" missing`)
	}
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
