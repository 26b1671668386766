// Package schema embeds the relational DDL executed by the SQL backends
// when they open. Each bundle is a semicolon-terminated script; backends run
// it statement by statement so partial prior bootstraps converge.
package schema

import (
	"bufio"
	"strings"

	_ "embed"
)

// Postgres is the DDL bundle for the PostgreSQL backend.
//
//go:embed postgres.sql
var Postgres string

// SQLite is the DDL bundle for the embedded SQLite backend.
//
//go:embed sqlite.sql
var SQLite string

// Statements splits a semicolon-terminated DDL script into executable
// statements, dropping blank lines and single-line comments starting
// with "--".
func Statements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var stmts []string
	var current strings.Builder

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return stmts
}
