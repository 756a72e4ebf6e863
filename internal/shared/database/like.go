package database

import "strings"

// Backslash is the default LIKE escape character in Postgres; queries
// also name it with ESCAPE '\' so the patterns below stay literal.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes the LIKE wildcards in term.
func EscapeLike(term string) string {
	return likeEscaper.Replace(term)
}

// Contains returns an ILIKE pattern matching term anywhere in a column.
func Contains(term string) string {
	return "%" + EscapeLike(term) + "%"
}

// Prefix returns an ILIKE pattern matching columns that start with term.
func Prefix(term string) string {
	return EscapeLike(term) + "%"
}
