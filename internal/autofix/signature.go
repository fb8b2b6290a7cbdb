// Package autofix implements the Auto-Fix Cache (spec §4.G): a store of
// (error_signature -> patch) records queried before the repair LLM is
// invoked, ranked by proven usage rather than re-generated from scratch
// every time the same class of failure recurs.
package autofix

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"codeforge/internal/artifact"
)

var (
	filePathRe  = regexp.MustCompile(`(?:/|\b[A-Za-z]:\\)?[\w./\\-]+\.(?:go|py|js|ts|json|yaml|yml)\b`)
	lineRefRe   = regexp.MustCompile(`:\d+(?::\d+)?\b|\bline \d+\b`)
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	hexAddrRe   = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	quotedRe    = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	numberRe    = regexp.MustCompile(`\b\d+\b`)
	fileLineRe  = regexp.MustCompile(`([\w./\\-]+\.\w+):(\d+)`)
)

// NormalizeMessage strips filenames, line numbers, timestamps, addresses,
// quoted literals (often user data), and bare numbers from a raw error
// message, leaving the stable shape of the error behind (spec §4.G:
// "Normalization strips filenames, line numbers, timestamps, and user
// data").
func NormalizeMessage(raw string) string {
	m := raw
	m = timestampRe.ReplaceAllString(m, "<time>")
	m = fileLineRe.ReplaceAllString(m, "<site>")
	m = filePathRe.ReplaceAllString(m, "<file>")
	m = lineRefRe.ReplaceAllString(m, "<line>")
	m = hexAddrRe.ReplaceAllString(m, "<addr>")
	m = quotedRe.ReplaceAllString(m, "<val>")
	m = numberRe.ReplaceAllString(m, "<n>")
	m = strings.Join(strings.Fields(m), " ")
	return strings.TrimSpace(m)
}

// ComputeSignature builds the (error_kind, normalized_message,
// error_site_hash) tuple from a raw error message and the error kind
// taxonomy string (spec §7). The site hash is derived from the first
// file:line reference found in the raw message before it is stripped,
// so two occurrences of the same error at the same call site hash
// identically even after normalization drops the exact text; when no
// site reference is present it falls back to the error kind and the
// first word of the normalized message, which still separates unrelated
// error shapes sharing a kind.
func ComputeSignature(errorKind, rawMessage string) artifact.ErrorSignature {
	normalized := NormalizeMessage(rawMessage)

	site := fileLineRe.FindString(rawMessage)
	if site == "" {
		fields := strings.Fields(normalized)
		if len(fields) > 0 {
			site = errorKind + ":" + fields[0]
		} else {
			site = errorKind
		}
	}
	sum := sha256.Sum256([]byte(site))

	return artifact.ErrorSignature{
		ErrorKind:         errorKind,
		NormalizedMessage: normalized,
		ErrorSiteHash:     hex.EncodeToString(sum[:])[:16],
	}
}

// Fingerprint returns a stable, order-independent token-set signature of
// source, used both as FixPattern.BrokenFingerprint and, at lookup time,
// to score how structurally similar the current broken source is to the
// source a cached fix was learned from (see jaccard in rank.go).
func Fingerprint(source string) string {
	tokens := tokenSet(source)
	sorted := make([]string, 0, len(tokens))
	for t := range tokens {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func tokenSet(source string) map[string]struct{} {
	fields := strings.FieldsFunc(source, func(r rune) bool {
		return !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[strings.ToLower(f)] = struct{}{}
	}
	return set
}
