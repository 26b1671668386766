// Package testutil provides a stub database driver for postgres store tests.
// It understands just enough of the store's SQL surface (DDL, INSERT with
// RETURNING, UPDATE, DELETE, filtered SELECT) to exercise the store without
// a running server.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StubConn records statements and keeps table state for the postgres store
// during tests.
type StubConn struct {
	Execs        []string
	Tables       map[string][]map[string]driver.Value
	FailPing     bool
	FailExec     bool
	FailBegin    bool
	FailCommit   bool
	FailTables   map[string]bool
	nextResultID int64
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]driver.Value)}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "INSERT INTO"):
		table, row, err := c.insertRow(query, args)
		if err != nil {
			return nil, err
		}
		c.Tables[table] = append(c.Tables[table], row)
		return driver.RowsAffected(1), nil
	case strings.HasPrefix(upper, "UPDATE"):
		affected, err := c.updateRows(query, args)
		if err != nil {
			return nil, err
		}
		return driver.RowsAffected(affected), nil
	case strings.HasPrefix(upper, "DELETE FROM"):
		affected, err := c.deleteRows(query, args)
		if err != nil {
			return nil, err
		}
		return driver.RowsAffected(affected), nil
	default:
		// DDL and anything else succeeds silently.
		return driver.RowsAffected(0), nil
	}
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	upper := strings.ToUpper(strings.TrimSpace(query))
	if strings.HasPrefix(upper, "INSERT INTO") && strings.Contains(upper, "RETURNING") {
		table, row, err := c.insertRow(query, args)
		if err != nil {
			return nil, err
		}
		c.nextResultID++
		row["result_id"] = c.nextResultID
		c.Tables[table] = append(c.Tables[table], row)
		return &stubRows{cols: []string{"result_id"}, rows: [][]driver.Value{{c.nextResultID}}}, nil
	}
	table, cols, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables != nil && c.FailTables[table] {
		return nil, fmt.Errorf("query fail for %s", table)
	}
	matched := c.filterRows(table, query, args)
	orderRows(query, matched)
	values := make([][]driver.Value, 0, len(matched))
	for _, row := range matched {
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: cols, rows: values}, nil
}

func (c *StubConn) insertRow(query string, args []driver.NamedValue) (string, map[string]driver.Value, error) {
	table, cols, err := parseInsert(query)
	if err != nil {
		return "", nil, err
	}
	if c.FailTables != nil && c.FailTables[table] {
		return "", nil, fmt.Errorf("exec fail for %s", table)
	}
	if len(cols) != len(args) {
		return "", nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	row := make(map[string]driver.Value, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	return table, row, nil
}

func (c *StubConn) updateRows(query string, args []driver.NamedValue) (int64, error) {
	table, sets, whereCol, whereArg, err := parseUpdate(query)
	if err != nil {
		return 0, err
	}
	if c.FailTables != nil && c.FailTables[table] {
		return 0, fmt.Errorf("exec fail for %s", table)
	}
	target := args[whereArg-1].Value
	var affected int64
	for _, row := range c.Tables[table] {
		if row[whereCol] != target {
			continue
		}
		for col, argIdx := range sets {
			row[col] = args[argIdx-1].Value
		}
		affected++
	}
	return affected, nil
}

func (c *StubConn) deleteRows(query string, args []driver.NamedValue) (int64, error) {
	table, col, argIdx, hasWhere, err := parseDelete(query)
	if err != nil {
		return 0, err
	}
	if !hasWhere {
		affected := int64(len(c.Tables[table]))
		c.Tables[table] = nil
		return affected, nil
	}
	target := args[argIdx-1].Value
	var (
		filtered []map[string]driver.Value
		affected int64
	)
	for _, row := range c.Tables[table] {
		if row[col] == target {
			affected++
			continue
		}
		filtered = append(filtered, row)
	}
	c.Tables[table] = filtered
	return affected, nil
}

func (c *StubConn) filterRows(table, query string, args []driver.NamedValue) []map[string]driver.Value {
	clauses := parseWhere(query)
	var out []map[string]driver.Value
	for _, row := range c.Tables[table] {
		keep := true
		for _, clause := range clauses {
			if row[clause.col] != args[clause.argIdx-1].Value {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}

func orderRows(query string, rows []map[string]driver.Value) {
	lower := strings.ToLower(query)
	switch {
	case strings.Contains(lower, "order by created_at desc"):
		sort.SliceStable(rows, func(i, j int) bool {
			ti, _ := rows[i]["created_at"].(time.Time)
			tj, _ := rows[j]["created_at"].(time.Time)
			if !ti.Equal(tj) {
				return ti.After(tj)
			}
			return asInt64(rows[i]["result_id"]) > asInt64(rows[j]["result_id"])
		})
	case strings.Contains(lower, "order by feature_id"):
		sort.SliceStable(rows, func(i, j int) bool {
			return asInt64(rows[i]["feature_id"]) < asInt64(rows[j]["feature_id"])
		})
	}
}

func asInt64(v driver.Value) int64 {
	n, _ := v.(int64)
	return n
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}
func (t *stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

type whereClause struct {
	col    string
	argIdx int
}

func parseInsert(query string) (string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	cols := splitColumns(rest[open+1 : closeIdx])
	return table, cols, nil
}

func parseUpdate(query string) (table string, sets map[string]int, whereCol string, whereArg int, err error) {
	lower := strings.ToLower(query)
	if !strings.HasPrefix(strings.TrimSpace(lower), "update ") {
		return "", nil, "", 0, fmt.Errorf("cannot parse update: %s", query)
	}
	setIdx := strings.Index(lower, " set ")
	whereIdx := strings.Index(lower, " where ")
	if setIdx == -1 || whereIdx == -1 || whereIdx <= setIdx {
		return "", nil, "", 0, fmt.Errorf("cannot parse update: %s", query)
	}
	table = strings.ToLower(strings.TrimSpace(query[len("update "):setIdx]))
	sets = make(map[string]int)
	for _, assignment := range strings.Split(query[setIdx+len(" set "):whereIdx], ",") {
		col, argIdx, perr := parseEquality(assignment)
		if perr != nil {
			return "", nil, "", 0, perr
		}
		sets[col] = argIdx
	}
	whereCol, whereArg, err = parseEquality(query[whereIdx+len(" where "):])
	if err != nil {
		return "", nil, "", 0, err
	}
	return table, sets, whereCol, whereArg, nil
}

func parseDelete(query string) (table, col string, argIdx int, hasWhere bool, err error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	prefix := "delete from "
	if !strings.HasPrefix(lower, prefix) {
		return "", "", 0, false, fmt.Errorf("cannot parse delete: %s", query)
	}
	rest := strings.TrimSpace(query[len(prefix):])
	whereIdx := strings.Index(strings.ToLower(rest), " where ")
	if whereIdx == -1 {
		return strings.ToLower(strings.TrimSpace(rest)), "", 0, false, nil
	}
	table = strings.ToLower(strings.TrimSpace(rest[:whereIdx]))
	col, argIdx, err = parseEquality(rest[whereIdx+len(" where "):])
	if err != nil {
		return "", "", 0, false, err
	}
	return table, col, argIdx, true, nil
}

func parseSelect(query string) (string, []string, error) {
	lower := strings.ToLower(query)
	selectPrefix := "select "
	fromToken := " from "
	if !strings.HasPrefix(strings.TrimSpace(lower), selectPrefix) {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, fromToken)
	if fromIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	cols := query[strings.Index(lower, selectPrefix)+len(selectPrefix) : fromIdx]
	table := strings.TrimSpace(query[fromIdx+len(fromToken):])
	if table == "" {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	table = strings.Fields(table)[0]
	return strings.ToLower(table), splitColumns(cols), nil
}

func parseWhere(query string) []whereClause {
	lower := strings.ToLower(query)
	whereIdx := strings.Index(lower, " where ")
	if whereIdx == -1 {
		return nil
	}
	section := query[whereIdx+len(" where "):]
	if orderIdx := strings.Index(strings.ToLower(section), " order by "); orderIdx != -1 {
		section = section[:orderIdx]
	}
	var clauses []whereClause
	for _, part := range strings.Split(section, " AND ") {
		col, argIdx, err := parseEquality(part)
		if err != nil {
			continue
		}
		clauses = append(clauses, whereClause{col: col, argIdx: argIdx})
	}
	return clauses
}

// parseEquality parses a "col = $n" fragment, tolerating a ::type cast on
// the placeholder.
func parseEquality(fragment string) (string, int, error) {
	parts := strings.SplitN(fragment, "=", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("cannot parse equality: %s", fragment)
	}
	col := strings.ToLower(strings.TrimSpace(parts[0]))
	value := strings.TrimSpace(parts[1])
	if castIdx := strings.Index(value, "::"); castIdx != -1 {
		value = value[:castIdx]
	}
	if !strings.HasPrefix(value, "$") {
		return "", 0, fmt.Errorf("expected placeholder in: %s", fragment)
	}
	argIdx, err := strconv.Atoi(strings.TrimPrefix(value, "$"))
	if err != nil {
		return "", 0, fmt.Errorf("cannot parse placeholder %q: %w", value, err)
	}
	return col, argIdx, nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
