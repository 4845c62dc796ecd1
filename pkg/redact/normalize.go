// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// String literals: 'value' or "value"
	singleQuotedStr = regexp.MustCompile(`'[^']*'`)
	doubleQuotedStr = regexp.MustCompile(`"[^"]*"`)

	// Numeric literals (integers and decimals, including negative)
	numericLiteral = regexp.MustCompile(`\b-?\d+(?:\.\d+)?\b`)

	// Hex values like 0xABCD
	hexLiteral = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)

	// IN lists: IN (1, 2, 3) or IN ('a', 'b'), only after the IN keyword
	inList = regexp.MustCompile(`(?i)\bIN\s*\([^)]+\)`)

	// Path segments that are long hex strings (object ids, hashes)
	hexSegment = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// idPlaceholder replaces identifier segments in normalised paths.
const idPlaceholder = "{id}"

// NormalizeSQL replaces literal values in SQL queries with '?' placeholders.
// This prevents high-cardinality span attributes while preserving query structure.
func NormalizeSQL(query string) string {
	if query == "" {
		return query
	}

	// 1. Replace IN lists first (before individual values)
	result := inList.ReplaceAllString(query, "IN (?)")

	// 2. Replace hex literals
	result = hexLiteral.ReplaceAllString(result, "?")

	// 3. Replace string literals
	result = singleQuotedStr.ReplaceAllString(result, "?")
	result = doubleQuotedStr.ReplaceAllString(result, "?")

	// 4. Replace numeric literals
	result = numericLiteral.ReplaceAllString(result, "?")

	return result
}

// NormalizePath replaces identifier segments of a URL path (numbers, UUIDs,
// long hex strings) with {id} and drops the query string, so that
// /users/42?tab=1 and /users/7 share the resource /users/{id}.
func NormalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == "/" {
		return path
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if isIdentifier(seg) {
			segments[i] = idPlaceholder
		}
	}
	return strings.Join(segments, "/")
}

func isIdentifier(seg string) bool {
	if seg == "" {
		return false
	}
	if isDigits(seg) || hexSegment.MatchString(seg) {
		return true
	}
	if len(seg) == 36 || len(seg) == 32 {
		if _, err := uuid.Parse(seg); err == nil {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
