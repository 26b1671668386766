package core

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyCoreOpensPersistenceDrivers keeps the concrete storage drivers
// behind OpenBackend. Other packages talk to domain.Backend; only the
// in-memory store is exempt because test code constructs it directly as a
// fixture.
func TestOnlyCoreOpensPersistenceDrivers(t *testing.T) {
	const (
		driverPrefix = "geocore/internal/infra/persistence"
		corePrefix   = "geocore/internal/core"
	)
	memoryDriver := driverPrefix + "/memory"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "geocore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		if pathWithin(pkg.PkgPath, corePrefix) || pathWithin(pkg.PkgPath, driverPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if !pathWithin(importPath, driverPrefix) {
				continue
			}
			if importPath == memoryDriver {
				continue
			}
			seen[pkg.PkgPath+": "+importPath] = struct{}{}
		}
	}

	if len(seen) == 0 {
		return
	}
	violations := make([]string, 0, len(seen))
	for v := range seen {
		violations = append(violations, v)
	}
	sort.Strings(violations)
	for _, v := range violations {
		t.Errorf("forbidden import of storage driver package: %s", v)
	}
	t.Fatalf("found %d forbidden imports of storage driver packages", len(violations))
}

func pathWithin(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
