// Package testutil holds shared helpers for enforcing import and dependency
// boundaries in tests. The guards exist so layering rules (pure domain, single
// cgo choke point, facade-only infra access) fail loudly instead of eroding.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// AssertNoTransitiveDependency runs `go list -deps` for the given pattern
// (usually "." or "./...") and fails the test when any resolved dependency
// path satisfies the forbidden predicate. The reason is included in the
// failure message.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(path string) bool, reason string) {
	t.Helper()
	viols, out, err := transitiveViolations(pattern, forbidden)
	if err != nil {
		t.Fatalf("go list failed: %v\n%s", err, string(out))
	}
	reportViolations(t, "transitive dependency", reason, viols)
}

// AssertNoDirectImports parses every non-test .go file directly in dir and
// fails the test when any import path satisfies the forbidden predicate.
// Subdirectories are not descended into and build tags are ignored.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	reportViolations(t, "direct import", reason, viols)
}

// DomainImportForbidden matches import paths that resolve to the pkg/domain
// package itself. Subpackages of other pkg trees do not match.
func DomainImportForbidden(path string) bool {
	return strings.HasSuffix(path, "/pkg/domain") || strings.Contains(path, "/pkg/domain@")
}

// InternalImportForbidden matches any import path with an /internal/ segment.
func InternalImportForbidden(path string) bool {
	return strings.Contains(path, "/internal/")
}

// GeosImportForbidden matches the go-geos binding. Every package except the
// topology wrapper must satisfy this guard so cgo stays behind one boundary.
func GeosImportForbidden(path string) bool {
	return path == "github.com/twpayne/go-geos" || strings.HasPrefix(path, "github.com/twpayne/go-geos/")
}

// goListDeps is a seam so failure paths can be tested without shelling out.
var goListDeps = func(pattern string) ([]byte, error) {
	cmd := exec.Command("go", "list", "-deps", pattern)
	return cmd.CombinedOutput()
}

func transitiveViolations(pattern string, forbidden func(path string) bool) ([]string, []byte, error) {
	out, err := goListDeps(pattern)
	if err != nil {
		return nil, out, err
	}
	var viols []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if forbidden(line) {
			viols = append(viols, line)
		}
	}
	return viols, out, nil
}

func directViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		parsed, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range parsed.Imports {
			ip := strings.Trim(imp.Path.Value, `"`)
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalReporter interface {
	Fatalf(format string, args ...any)
}

func reportViolations(t fatalReporter, kind, reason string, viols []string) {
	if len(viols) == 0 {
		return
	}
	t.Fatalf("forbidden %s detected (%s):\n%s", kind, reason, strings.Join(viols, "\n"))
}
