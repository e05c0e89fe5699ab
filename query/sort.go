package query

import (
	"slices"
	"strings"

	"github.com/migadu/soramail/mail"
)

// SortOrder orders a list of emails in place.
type SortOrder func([]*mail.Email)

// ByDate orders newest first.
func ByDate(emails []*mail.Email) {
	slices.SortStableFunc(emails, func(a, b *mail.Email) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
}

// ByPriority orders highest priority (1) first; ties are newest first.
func ByPriority(emails []*mail.Email) {
	slices.SortStableFunc(emails, func(a, b *mail.Email) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return b.Timestamp.Compare(a.Timestamp)
	})
}

var sortOrders = map[string]SortOrder{
	"date":     ByDate,
	"priority": ByPriority,
}

// SortBy returns the order registered under key, falling back to ByDate for
// empty or unknown keys.
func SortBy(key string) SortOrder {
	if order, ok := sortOrders[strings.ToLower(strings.TrimSpace(key))]; ok {
		return order
	}
	return ByDate
}
