package rules

import (
	"strings"

	"github.com/migadu/soramail/mail"
)

// TextExtractor reduces an HTML body to plain text.
type TextExtractor interface {
	PlainText(html string) string
}

// matchFunc compares an already lower-cased text against a lower-cased value.
type matchFunc func(text, value string) bool

var matchers = map[string]matchFunc{
	MatchContains:   strings.Contains,
	MatchStartsWith: strings.HasPrefix,
	MatchEndsWith:   strings.HasSuffix,
	MatchExactly:    func(text, value string) bool { return text == value },
}

// propertyFunc resolves the values a scalar matcher is evaluated against.
// Several values mean any-of.
type propertyFunc func(e *mail.Email, text TextExtractor) []string

var properties = map[string]propertyFunc{
	PropertySubject:  func(e *mail.Email, _ TextExtractor) []string { return []string{e.Subject} },
	PropertyBody:     func(e *mail.Email, text TextExtractor) []string { return []string{text.PlainText(e.Body)} },
	PropertyFrom:     func(e *mail.Email, _ TextExtractor) []string { return []string{e.From} },
	PropertyTo:       func(e *mail.Email, _ TextExtractor) []string { return e.To },
	PropertyReceiver: func(e *mail.Email, _ TextExtractor) []string { return e.To },
}

// clause is one key:value condition of a complex value.
type clause struct {
	key   string
	value string
}

// parseComplex splits "key:value;key:value". Clauses without a ':' or with
// an unknown key are reported separately and take no part in matching.
func parseComplex(value string) (clauses []clause, skipped int) {
	for _, part := range strings.Split(value, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		key, val, ok := strings.Cut(part, ":")
		if !ok {
			skipped++
			continue
		}
		key = norm(key)
		if _, known := properties[key]; !known {
			skipped++
			continue
		}
		clauses = append(clauses, clause{key: key, value: norm(val)})
	}
	return clauses, skipped
}

func anyMatch(values []string, want string, match matchFunc) bool {
	for _, v := range values {
		if match(strings.ToLower(v), want) {
			return true
		}
	}
	return false
}

// matchComplex requires every usable clause to match with contains
// semantics. A value without any usable clause matches nothing.
func matchComplex(e *mail.Email, value string, text TextExtractor) (matched bool, skipped int) {
	clauses, skipped := parseComplex(value)
	if len(clauses) == 0 {
		return false, skipped
	}
	for _, c := range clauses {
		if !anyMatch(properties[c.key](e, text), c.value, strings.Contains) {
			return false, skipped
		}
	}
	return true, skipped
}
