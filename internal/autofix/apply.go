package autofix

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/aymanbagabas/go-udiff"

	"codeforge/internal/artifact"
)

// patch is the transform a FixPattern.PatchTransform field JSON-encodes.
// A literal unified diff only replays against the exact byte offsets of
// the source it was cut from, which defeats the point of a reusable fix
// cache — fixes recorded against one occurrence of an error class need
// to apply against a structurally similar but textually different
// occurrence next time. A regexp find/replace generalizes across that
// variation (different identifiers, different surrounding lines) while
// staying bounded and auditable, so that is what gets stored instead;
// PatchTransform keeps its spec §3.3 field name but its payload is this
// struct, not diff text.
type patch struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

// EncodeTransform serializes a find/replace pair into the form stored in
// FixPattern.PatchTransform.
func EncodeTransform(find, replace string) (string, error) {
	if _, err := regexp.Compile(find); err != nil {
		return "", fmt.Errorf("autofix: invalid pattern %q: %w", find, err)
	}
	b, err := json.Marshal(patch{Find: find, Replace: replace})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Apply performs the spec §4.G apply(fix, source) -> source' contract,
// returning the transformed source plus a unified diff of the change for
// audit logging (rendered with go-udiff, not parsed by it — see
// DESIGN.md).
func Apply(fix artifact.FixPattern, source string) (transformed string, diff string, err error) {
	var p patch
	if err := json.Unmarshal([]byte(fix.PatchTransform), &p); err != nil {
		return "", "", fmt.Errorf("autofix: decode patch transform for fix %s: %w", fix.ID, err)
	}
	re, err := regexp.Compile(p.Find)
	if err != nil {
		return "", "", fmt.Errorf("autofix: compile pattern for fix %s: %w", fix.ID, err)
	}
	if !re.MatchString(source) {
		return "", "", fmt.Errorf("autofix: fix %s pattern does not match source", fix.ID)
	}
	transformed = re.ReplaceAllString(source, p.Replace)

	edits := udiff.Strings(source, transformed)
	diff = udiff.ToUnified("before", "after", source, edits, 3)
	return transformed, diff, nil
}
