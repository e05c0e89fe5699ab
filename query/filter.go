// Package query implements composable selection filters over email lists,
// sort orders, pagination and the request builder used by mailbox views and
// search.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/mail"
)

// Filter selects a sub-list of its input. Filters never modify the emails
// they are given and never return an email that was not in the input.
type Filter func([]*mail.Email) []*mail.Email

// TextExtractor reduces an HTML body to plain text.
type TextExtractor interface {
	PlainText(html string) string
}

// DateLayout is the format of date-range bounds.
const DateLayout = "2006-01-02"

// All passes its input through unchanged.
func All(emails []*mail.Email) []*mail.Email {
	return emails
}

// Where builds a Filter from a per-email predicate.
func Where(pred func(*mail.Email) bool) Filter {
	return func(emails []*mail.Email) []*mail.Email {
		out := make([]*mail.Email, 0, len(emails))
		for _, e := range emails {
			if pred(e) {
				out = append(out, e)
			}
		}
		return out
	}
}

// And narrows: every filter is applied to the result of the previous one.
func And(filters ...Filter) Filter {
	return func(emails []*mail.Email) []*mail.Email {
		for _, f := range filters {
			emails = f(emails)
		}
		return emails
	}
}

// Or applies every filter to the original input and returns the union,
// keeping first-seen order and reporting each messageId once.
func Or(filters ...Filter) Filter {
	return func(emails []*mail.Email) []*mail.Email {
		seen := make(map[string]struct{}, len(emails))
		var out []*mail.Email
		for _, f := range filters {
			for _, e := range f(emails) {
				if _, dup := seen[e.MessageID]; dup {
					continue
				}
				seen[e.MessageID] = struct{}{}
				out = append(out, e)
			}
		}
		if out == nil {
			out = []*mail.Email{}
		}
		return out
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Sender keeps emails whose from address contains value, ignoring case.
// An empty value keeps everything.
func Sender(value string) Filter {
	if strings.TrimSpace(value) == "" {
		return All
	}
	return Where(func(e *mail.Email) bool { return containsFold(e.From, value) })
}

// Receiver keeps emails where any recipient contains value, ignoring case.
func Receiver(value string) Filter {
	if strings.TrimSpace(value) == "" {
		return All
	}
	return Where(func(e *mail.Email) bool {
		for _, to := range e.To {
			if containsFold(to, value) {
				return true
			}
		}
		return false
	})
}

// Subject keeps emails whose subject contains value, ignoring case.
func Subject(value string) Filter {
	if strings.TrimSpace(value) == "" {
		return All
	}
	return Where(func(e *mail.Email) bool { return containsFold(e.Subject, value) })
}

// Body matches against the plain text of the body, not the raw HTML.
func Body(value string, text TextExtractor) Filter {
	if strings.TrimSpace(value) == "" {
		return All
	}
	return Where(func(e *mail.Email) bool { return containsFold(text.PlainText(e.Body), value) })
}

// Priority keeps emails with exactly the given priority.
func Priority(p int) Filter {
	return Where(func(e *mail.Email) bool { return e.Priority == p })
}

// HasAttachment keeps emails with (or without) attachments.
func HasAttachment(want bool) Filter {
	return Where(func(e *mail.Email) bool { return e.HasAttachments() == want })
}

// ReadStatus keeps read or unread emails.
func ReadStatus(read bool) Filter {
	return Where(func(e *mail.Email) bool { return e.IsRead == read })
}

// Starred keeps starred emails.
func Starred() Filter {
	return Where(func(e *mail.Email) bool { return e.IsStarred })
}

// Folder keeps emails in the named folder, ignoring case. "all" and the
// empty name keep everything.
func Folder(name string) Filter {
	if name == "" || strings.EqualFold(name, consts.FolderAll) {
		return All
	}
	return Where(func(e *mail.Email) bool { return strings.EqualFold(e.Folder, name) })
}

// DateRange keeps emails whose timestamp falls within [start, end], both
// inclusive whole days in loc. A missing bound is unbounded, so an email
// without a timestamp only passes a range with no start. Malformed
// dates fail with consts.ErrBadRequest.
func DateRange(start, end string, loc *time.Location) (Filter, error) {
	if loc == nil {
		loc = time.Local
	}
	var from, until time.Time
	if start = strings.TrimSpace(start); start != "" {
		t, err := time.ParseInLocation(DateLayout, start, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid start date %q", consts.ErrBadRequest, start)
		}
		from = t
	}
	if end = strings.TrimSpace(end); end != "" {
		t, err := time.ParseInLocation(DateLayout, end, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid end date %q", consts.ErrBadRequest, end)
		}
		until = t.AddDate(0, 0, 1)
	}
	if !from.IsZero() && !until.IsZero() && !from.Before(until) {
		return nil, fmt.Errorf("%w: start date %s is after end date %s", consts.ErrBadRequest, start, end)
	}

	return Where(func(e *mail.Email) bool {
		if !from.IsZero() && e.Timestamp.Before(from) {
			return false
		}
		if !until.IsZero() && !e.Timestamp.Before(until) {
			return false
		}
		return true
	}), nil
}
