package config

import (
	"fmt"
	"strings"
	"unicode"
)

// ParseHook parses a hook given on the command line as
//
//	library function script [cond]
//
// Fields containing spaces are quoted with single quotes, a quote inside a
// quoted field is escaped with a backslash. A library of "*" means every
// library.
func ParseHook(spec string) (HookConfig, error) {
	fields := splitQuotedFields(spec, '\'')
	if len(fields) < 3 || len(fields) > 4 {
		return HookConfig{}, fmt.Errorf("wrong number of fields in hook %q, expected: library function script [cond]", spec)
	}
	h := HookConfig{Library: fields[0], Function: fields[1], Script: fields[2]}
	if h.Library == "*" {
		h.Library = ""
	}
	if len(fields) == 4 {
		h.Cond = fields[3]
	}
	return h, nil
}

// splitQuotedFields is like strings.Fields but does not split inside areas
// surrounded by quote.
func splitQuotedFields(in string, quote rune) []string {
	r := []string{}
	var buf strings.Builder
	inField, inQuote, escaped := false, false, false
	for _, ch := range in {
		switch {
		case escaped:
			buf.WriteRune(ch)
			escaped = false
		case inQuote && ch == '\\':
			escaped = true
		case ch == quote:
			inQuote = !inQuote
			inField = true
		case inQuote:
			buf.WriteRune(ch)
		case unicode.IsSpace(ch):
			if inField && buf.Len() > 0 {
				r = append(r, buf.String())
				buf.Reset()
			}
			inField = false
		default:
			buf.WriteRune(ch)
			inField = true
		}
	}
	if buf.Len() != 0 {
		r = append(r, buf.String())
	}
	return r
}
