package mail

import (
	"strings"
	"time"

	"github.com/migadu/soramail/consts"
)

// Draft carries the caller-supplied fields of a message being composed.
// Zero values fall back to the defaults applied by NewEmail.
type Draft struct {
	To          []string
	Subject     string
	Body        string
	Priority    int
	Attachments []AttachmentRef
}

// NewEmail builds a message from a draft. Missing priority defaults to
// consts.DefaultPriority and out-of-range values are clamped to 1..4.
func NewEmail(id, from string, d Draft, folder string, now time.Time) *Email {
	priority := d.Priority
	switch {
	case priority == 0:
		priority = consts.DefaultPriority
	case priority < 1:
		priority = 1
	case priority > 4:
		priority = 4
	}

	to := make([]string, 0, len(d.To))
	for _, addr := range d.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}

	return &Email{
		MessageID:   id,
		From:        from,
		To:          to,
		Subject:     strings.TrimSpace(d.Subject),
		Body:        d.Body,
		Timestamp:   now,
		Priority:    priority,
		Folder:      folder,
		IsDraft:     folder == consts.FolderDrafts,
		Attachments: append([]AttachmentRef(nil), d.Attachments...),
	}
}

// ValidateForSend checks the fields a sent message must carry.
func ValidateForSend(d Draft) error {
	if len(nonEmpty(d.To)) == 0 {
		return consts.ErrMissingRecipients
	}
	if strings.TrimSpace(d.Subject) == "" {
		return consts.ErrMissingSubject
	}
	return nil
}

func nonEmpty(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		if strings.TrimSpace(a) != "" {
			out = append(out, a)
		}
	}
	return out
}
