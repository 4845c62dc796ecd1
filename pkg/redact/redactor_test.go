// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"testing"
)

func TestRedactCreditCard(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input    string
		expected string
	}{
		{"card: 4111111111111111", "card: [REDACTED_CC]"},
		{"card: 4111-1111-1111-1111", "card: [REDACTED_CC]"},
		{"card: 5500 0000 0000 0004", "card: [REDACTED_CC]"},
		{"no card here", "no card here"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.expected {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestRedactSSN(t *testing.T) {
	r := New(true, nil)
	input := "ssn: 123-45-6789"
	got := r.Redact(input)
	if got != "ssn: [REDACTED_SSN]" {
		t.Errorf("Redact(%q) = %q", input, got)
	}
}

func TestRedactAuthorizationHeader(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input string
		want  string
	}{
		{"Authorization: Bearer abc123", "Authorization: [REDACTED]"},
		{"authorization: token xyz", "authorization: [REDACTED]"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRedactPassword(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input string
		want  string
	}{
		{"password=secret123", "password=[REDACTED]"},
		{"api_key=abc-def-123", "api_key=[REDACTED]"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRedactDisabled(t *testing.T) {
	r := New(false, nil)
	input := "card: 4111111111111111"
	got := r.Redact(input)
	if got != input {
		t.Errorf("disabled Redact should return input unchanged, got %q", got)
	}
}

func TestRedactNilRedactor(t *testing.T) {
	var r *Redactor
	if got := r.Redact("ssn: 123-45-6789"); got != "ssn: 123-45-6789" {
		t.Errorf("nil redactor changed input: %q", got)
	}
	if r.Enabled() {
		t.Error("nil redactor should report disabled")
	}
}

func TestRedactData(t *testing.T) {
	r := New(true, nil)
	data := map[string]interface{}{
		"query":  "SELECT * WHERE password='secret'",
		"status": 200,
		"nested": map[string]interface{}{
			"ssn": "123-45-6789",
		},
		"list":    []interface{}{"card 4111111111111111", 7},
		"headers": map[string]string{"x-auth": "Authorization: Bearer abc"},
	}

	got := r.RedactData(data)

	if got["query"] == data["query"] {
		t.Error("expected query to be redacted")
	}
	if got["status"] != 200 {
		t.Errorf("non-string values must pass through, got %v", got["status"])
	}
	if nested := got["nested"].(map[string]interface{}); nested["ssn"] != "[REDACTED_SSN]" {
		t.Errorf("nested ssn = %v", nested["ssn"])
	}
	if list := got["list"].([]interface{}); list[0] != "card [REDACTED_CC]" || list[1] != 7 {
		t.Errorf("list = %v", list)
	}
	if h := got["headers"].(map[string]string); h["x-auth"] != "Authorization: [REDACTED]" {
		t.Errorf("headers = %v", h)
	}
	// Input is untouched.
	if data["nested"].(map[string]interface{})["ssn"] != "123-45-6789" {
		t.Error("RedactData must not modify its input")
	}
}

func TestRedactDataCopiesWhenDisabled(t *testing.T) {
	r := New(false, nil)
	data := map[string]interface{}{"k": "v"}
	got := r.RedactData(data)
	got["k"] = "changed"
	if data["k"] != "v" {
		t.Error("RedactData must return a copy even when disabled")
	}
	if r.RedactData(nil) != nil {
		t.Error("nil data should stay nil")
	}
}

func TestResource(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		protocol string
		resource string
		want     string
	}{
		{"postgres", "SELECT * FROM users WHERE id = 42", "SELECT * FROM users WHERE id = ?"},
		{"mysql", "DELETE FROM t WHERE name = 'x'", "DELETE FROM t WHERE name = ?"},
		{"http", "/users/42/orders?page=2", "/users/{id}/orders"},
		{"grpc", "/pkg.Service/Method", "/pkg.Service/Method"},
	}
	for _, tt := range tests {
		if got := r.Resource(tt.protocol, tt.resource); got != tt.want {
			t.Errorf("Resource(%q, %q) = %q, want %q", tt.protocol, tt.resource, got, tt.want)
		}
	}

	if got := New(false, nil).Resource("http", "/users/42"); got != "/users/42" {
		t.Errorf("disabled redactor should keep resource, got %q", got)
	}
}

func TestCompileRule(t *testing.T) {
	rule, err := CompileRule("order", `order-\d+`, "")
	if err != nil {
		t.Fatalf("CompileRule: %v", err)
	}
	r := New(true, []Rule{rule})
	if got := r.Redact("ref order-991"); got != "ref [REDACTED]" {
		t.Errorf("custom rule: got %q", got)
	}

	if _, err := CompileRule("bad", `(`, ""); err == nil {
		t.Error("expected an error for an invalid pattern")
	}
}
