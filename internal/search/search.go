// Package search filters visitor listings by a free text query.
package search

import (
	"strings"
	"unicode"

	"qms/prayerroom-service/internal/models"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s and strips combining marks, so "João" and "joao" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isPhoneQuery reports whether query is made only of digits and the
// separators people type in phone numbers.
func isPhoneQuery(query string) bool {
	hasDigit := false
	for _, r := range query {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case strings.ContainsRune("+ ()-.", r):
		default:
			return false
		}
	}
	return hasDigit
}

// FilterVisitors keeps visitors whose full name contains query. A query
// written as a phone number matches phone digits instead. An empty query
// keeps everything.
func FilterVisitors(visitors []models.Visitor, query string) []models.Visitor {
	query = strings.TrimSpace(query)
	if query == "" {
		return visitors
	}
	foldedQuery := Fold(query)
	digitQuery := ""
	if isPhoneQuery(query) {
		digitQuery = digits(query)
	}

	result := make([]models.Visitor, 0, len(visitors))
	for _, visitor := range visitors {
		if strings.Contains(Fold(visitor.Name()), foldedQuery) {
			result = append(result, visitor)
			continue
		}
		if digitQuery != "" && strings.Contains(digits(visitor.Phone), digitQuery) {
			result = append(result, visitor)
		}
	}
	return result
}
