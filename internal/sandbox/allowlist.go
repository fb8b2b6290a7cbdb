package sandbox

import "strings"

// AllowedPackages is the stdlib import allow-list generated code may use
// (spec §4.E guarantee: "MUST NOT expose ambient credentials; only
// explicitly passed environment is available" — achieved here by simply
// never allowing os/os-exec/net/syscall into the interpreter at all,
// the same list the teacher's YaegiExecutor hand-maintains).
var AllowedPackages = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"encoding/hex":    true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"bufio":           true,
	"errors":          true,
	"unicode":         true,
	"unicode/utf8":    true,
	"path":            true,
	"path/filepath":   true,
	"io":              true,
	"slices":          true,
	"maps":            true,
	"cmp":             true,
	"container/list":  true,
	"container/heap":  true,

	// EXPLICITLY BLOCKED: os, os/exec, net, net/http, syscall, unsafe,
	// plugin, runtime/debug — anything that reaches the host, the
	// network, or another process.
}

// ForbiddenImports scans source for import paths not in AllowedPackages.
// It is intentionally a plain line scan, not a full go/parser pass: the
// Static Validator Pipeline's syntax validator (spec §4.F) already runs
// go/parser ahead of this and rejects anything that wouldn't parse, so
// this only needs to catch disallowed imports in code that already parses.
func ForbiddenImports(source string) []string {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && trimmed == ")":
			inBlock = false
		case inBlock:
			if pkg := extractImportPath(trimmed); pkg != "" && !AllowedPackages[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := extractImportPath(strings.TrimPrefix(trimmed, "import "))
			if pkg != "" && !AllowedPackages[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	return forbidden
}

func extractImportPath(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "//"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	first := strings.Index(s, "\"")
	last := strings.LastIndex(s, "\"")
	if first < 0 || last <= first {
		return ""
	}
	return s[first+1 : last]
}
