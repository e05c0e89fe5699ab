package delivery

import (
	"fmt"
	"html"
	"strings"

	"github.com/migadu/soramail/mail"
)

const (
	forwardPrefix = "FWD: "
	forwardMarker = "---------- Forwarded message ----------"
	forwardDate   = "Mon, 02 Jan 2006 15:04"
)

// ForwardSubject prefixes subject with "FWD: " unless it already carries it.
func ForwardSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if len(subject) >= len(forwardPrefix) && strings.EqualFold(subject[:len(forwardPrefix)], forwardPrefix) {
		return subject
	}
	return forwardPrefix + subject
}

// ForwardBody wraps the original body in a forwarded-message block that
// lists the original sender, date, subject and recipients.
func ForwardBody(e *mail.Email) string {
	var b strings.Builder
	b.WriteString("<div>\n<p>")
	b.WriteString(forwardMarker)
	fmt.Fprintf(&b, "<br>\nFrom: %s", html.EscapeString(e.From))
	fmt.Fprintf(&b, "<br>\nDate: %s", e.Timestamp.Format(forwardDate))
	fmt.Fprintf(&b, "<br>\nSubject: %s", html.EscapeString(e.Subject))
	fmt.Fprintf(&b, "<br>\nTo: %s</p>\n<hr>\n", html.EscapeString(strings.Join(e.To, ", ")))
	b.WriteString("<div>")
	b.WriteString(e.Body)
	b.WriteString("</div>\n</div>")
	return b.String()
}

// forwardDraft turns e into a draft addressed to to.
func forwardDraft(e *mail.Email, to []string) mail.Draft {
	return mail.Draft{
		To:          append([]string(nil), to...),
		Subject:     ForwardSubject(e.Subject),
		Body:        ForwardBody(e),
		Priority:    e.Priority,
		Attachments: append([]mail.AttachmentRef(nil), e.Attachments...),
	}
}
