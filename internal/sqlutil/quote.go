// Package sqlutil provides SQL utility functions.
package sqlutil

import "strings"

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// with backticks and escapes any backticks within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// QuoteIdentifierANSI quotes a SQL identifier with double quotes and escapes
// any double quotes within the identifier.
func QuoteIdentifierANSI(name string) string {
	escaped := strings.ReplaceAll(name, `"`, `""`)
	return `"` + escaped + `"`
}

// QuoteString quotes a SQL string literal with single quotes and escapes
// any single quotes within the string by doubling them.
func QuoteString(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	return "'" + escaped + "'"
}

// HasTimezoneMarker reports whether a textual timestamp carries an explicit
// zone: a trailing "Z", or a "+hh:mm"/"-hh:mm"/"+hhmm" offset after the time.
func HasTimezoneMarker(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" {
		return false
	}
	if strings.HasSuffix(v, "Z") || strings.HasSuffix(v, "z") {
		return true
	}
	timeStart := strings.IndexAny(v, "T ")
	if timeStart < 0 {
		return false
	}
	rest := v[timeStart+1:]
	return strings.ContainsAny(rest, "+-")
}
