package host

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// initialisms are split apart when they run together: HTTPURL is http_url.
var initialisms = []string{
	"API", "ASCII", "CPU", "DNS", "EOF", "GUID", "HTML", "HTTP", "ID", "IO", "IP",
	"JSON", "OS", "RAM", "RPC", "SQL", "TCP", "TLS", "TTL", "UDP", "URI", "URL",
	"UUID", "WASM", "XML",
}

// toSnakeCase converts PascalCase to snake_case.
// Handles acronyms: ReadHTTPURL -> read_http_url
func toSnakeCase(s string) string {
	if len(s) == 0 {
		return ""
	}

	runes := []rune(s)
	var result strings.Builder

	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if unicode.IsUpper(r) {
			acronymEnd := i + 1
			for acronymEnd < len(runes) && unicode.IsUpper(runes[acronymEnd]) {
				acronymEnd++
			}

			if acronymEnd > i+1 {
				// Last uppercase before lowercase starts next word, not part of acronym
				if acronymEnd < len(runes) && unicode.IsLower(runes[acronymEnd]) {
					acronymEnd--
				}
			}

			for k, word := range splitAcronym(string(runes[i:acronymEnd])) {
				if k > 0 || (i > 0 && runes[i-1] != '_') {
					result.WriteByte('_')
				}
				result.WriteString(strings.ToLower(word))
			}
			i = acronymEnd - 1 // -1 because loop will increment
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// splitAcronym breaks a run of capitals into known initialisms, longest match
// first. Whatever does not match stays one word.
func splitAcronym(run string) []string {
	var words []string
	var rest strings.Builder
	for len(run) > 0 {
		matched := ""
		for _, w := range initialisms {
			if strings.HasPrefix(run, w) && len(w) > len(matched) {
				matched = w
			}
		}
		if matched == "" {
			_, size := utf8.DecodeRuneInString(run)
			rest.WriteString(run[:size])
			run = run[size:]
			continue
		}
		if rest.Len() > 0 {
			words = append(words, rest.String())
			rest.Reset()
		}
		words = append(words, matched)
		run = run[len(matched):]
	}
	if rest.Len() > 0 {
		words = append(words, rest.String())
	}
	return words
}
