// Package sqlguard validates ad-hoc, read-only SQL before it reaches the
// Store, restricting callers (MCP tool invocations on behalf of an AI
// assistant) to single SELECT/WITH/EXPLAIN statements over a fixed table
// allowlist, with an enforced row limit.
package sqlguard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/apicov/esp-mcp-bridge/internal/errs"
)

var blockedKeywords = map[string]struct{}{
	"DELETE": {}, "DROP": {}, "TRUNCATE": {}, "ALTER": {}, "CREATE": {},
	"INSERT": {}, "UPDATE": {}, "REPLACE": {}, "RENAME": {}, "GRANT": {},
	"REVOKE": {}, "EXECUTE": {}, "EXEC": {}, "PRAGMA": {}, "ATTACH": {}, "DETACH": {},
}

var allowedLeadingStatements = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "EXPLAIN": {},
}

// DefaultTables lists the tables a query_database tool call may read.
var DefaultTables = []string{
	"devices", "sensor_data", "device_errors", "device_capabilities", "device_metrics",
}

const DefaultMaxRows = 1000

var (
	wordRe        = regexp.MustCompile(`\b[A-Za-z_]+\b`)
	leadingWordRe = regexp.MustCompile(`^\s*(\w+)`)
	limitClauseRe = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)
	fromJoinRe    = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
	stringLiteral = regexp.MustCompile(`'[^']*'`)
)

// Validator checks and rewrites a caller-supplied SQL string before
// execution.
type Validator struct {
	MaxRows       int
	AllowedTables []string
}

// New constructs a Validator with the default max row count and table
// allowlist.
func New() Validator {
	return Validator{MaxRows: DefaultMaxRows, AllowedTables: DefaultTables}
}

// Validate checks query and returns a rewritten version with a LIMIT clause
// enforced. Validation failures are reported as InvalidPayload errors, never
// executed.
func (v Validator) Validate(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errs.New(errs.InvalidPayload, "sqlguard: query is empty")
	}

	if err := v.checkBlockedKeywords(query); err != nil {
		return "", err
	}
	if err := v.checkLeadingStatement(query); err != nil {
		return "", err
	}
	if err := v.checkSingleStatement(query); err != nil {
		return "", err
	}
	if err := v.checkTables(query); err != nil {
		return "", err
	}

	maxRows := v.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return enforceLimit(query, maxRows), nil
}

func (v Validator) checkBlockedKeywords(query string) error {
	upper := strings.ToUpper(query)
	for _, w := range wordRe.FindAllString(upper, -1) {
		if _, blocked := blockedKeywords[w]; blocked {
			return errs.New(errs.InvalidPayload, fmt.Sprintf("sqlguard: blocked keyword %q; only read queries are allowed", w))
		}
	}
	return nil
}

func (v Validator) checkLeadingStatement(query string) error {
	m := leadingWordRe.FindStringSubmatch(strings.ToUpper(query))
	if m == nil {
		return errs.New(errs.InvalidPayload, "sqlguard: could not determine statement type")
	}
	if _, ok := allowedLeadingStatements[m[1]]; !ok {
		return errs.New(errs.InvalidPayload, fmt.Sprintf("sqlguard: query must start with SELECT, WITH, or EXPLAIN; got %s", m[1]))
	}
	return nil
}

// checkSingleStatement rejects stacked statements, tolerating exactly one
// trailing semicolon. String literals are stripped first so semicolons
// inside quoted values don't trip the count.
func (v Validator) checkSingleStatement(query string) error {
	stripped := stringLiteral.ReplaceAllString(query, "")
	count := strings.Count(stripped, ";")
	trailingOnly := count == 1 && strings.HasSuffix(strings.TrimSpace(stripped), ";")
	if count > 1 || (count == 1 && !trailingOnly) {
		return errs.New(errs.InvalidPayload, "sqlguard: multiple statements are not allowed")
	}
	return nil
}

func (v Validator) checkTables(query string) error {
	allowed := v.AllowedTables
	if len(allowed) == 0 {
		allowed = DefaultTables
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		allowedSet[strings.ToLower(t)] = struct{}{}
	}
	for _, m := range fromJoinRe.FindAllStringSubmatch(query, -1) {
		if _, ok := allowedSet[strings.ToLower(m[1])]; !ok {
			return errs.New(errs.InvalidPayload, fmt.Sprintf("sqlguard: table %q is not in the allowed set", m[1]))
		}
	}
	return nil
}

func enforceLimit(query string, maxRows int) string {
	trimmed := strings.TrimSpace(query)
	hasTrailingSemicolon := strings.HasSuffix(trimmed, ";")
	if hasTrailingSemicolon {
		trimmed = strings.TrimSuffix(trimmed, ";")
	}

	if m := limitClauseRe.FindStringSubmatch(trimmed); m != nil {
		existing, err := strconv.Atoi(m[1])
		if err == nil && existing > maxRows {
			trimmed = limitClauseRe.ReplaceAllString(trimmed, fmt.Sprintf("LIMIT %d", maxRows))
		}
	} else {
		trimmed = fmt.Sprintf("%s LIMIT %d", trimmed, maxRows)
	}

	if hasTrailingSemicolon {
		trimmed += ";"
	}
	return trimmed
}
