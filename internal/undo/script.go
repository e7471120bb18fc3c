package undo

import (
	"strings"

	"github.com/opsforge/sqlrollback/internal/checksum"
)

// Script is one hand-authored undo unit: the normalized statement sequence
// that reverses a single migration version.
type Script struct {
	Version    string
	Name       string
	Path       string
	Checksum   string
	Statements []string
}

// Empty reports whether the script contains no executable statements.
func (s *Script) Empty() bool { return len(s.Statements) == 0 }

func newScript(version, name, path string, raw []byte) *Script {
	stmts := Normalize(string(raw))
	return &Script{
		Version:    version,
		Name:       name,
		Path:       path,
		Checksum:   checksum.Statements(stmts),
		Statements: stmts,
	}
}

// Normalize splits raw SQL into individual statements: separators are
// semicolons outside quoted strings, full-line and inline "--" and "#"
// comments are stripped, blank lines are dropped, and continuation lines are
// re-joined with single spaces. The result is deterministic for a given
// input; a trailing separator or an all-comment script yields no statements.
func Normalize(src string) []string {
	var statements []string
	var cur strings.Builder
	inSingle, inDouble := false, false

	flush := func() {
		stmt := strings.TrimSpace(cur.String())
		cur.Reset()
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}

	writeSpace := func() {
		// Collapse runs of whitespace outside quotes into one space.
		s := cur.String()
		if s != "" && !strings.HasSuffix(s, " ") {
			cur.WriteByte(' ')
		}
	}

	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		if inSingle || inDouble {
			cur.WriteRune(ch)
			switch {
			case inSingle && ch == '\'':
				// Escaped quote: '' stays inside the literal.
				if i+1 < len(runes) && runes[i+1] == '\'' {
					cur.WriteRune(runes[i+1])
					i++
				} else {
					inSingle = false
				}
			case inDouble && ch == '"':
				inDouble = false
			}
			continue
		}

		switch {
		case ch == '\'':
			inSingle = true
			cur.WriteRune(ch)
		case ch == '"':
			inDouble = true
			cur.WriteRune(ch)
		case ch == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			writeSpace()
		case ch == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			writeSpace()
		case ch == ';':
			flush()
		case ch == '\n' || ch == '\r' || ch == '\t' || ch == ' ':
			writeSpace()
		default:
			cur.WriteRune(ch)
		}
	}
	flush()
	return statements
}
