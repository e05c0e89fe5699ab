// Package mail defines the email document stored in user mailboxes.
package mail

import (
	"strings"
	"time"

	"github.com/migadu/soramail/consts"
)

// AttachmentRef points at an admitted attachment.
type AttachmentRef struct {
	ID       string `json:"id"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Email is one message document in one folder of one mailbox.
type Email struct {
	MessageID      string          `json:"messageId"`
	From           string          `json:"from"`
	To             []string        `json:"to"`
	Subject        string          `json:"subject"`
	Body           string          `json:"body"`
	Timestamp      time.Time       `json:"timestamp"`
	Priority       int             `json:"priority"`
	IsRead         bool            `json:"isRead"`
	IsStarred      bool            `json:"isStarred"`
	IsDraft        bool            `json:"isDraft"`
	Folder         string          `json:"folder"`
	OriginalFolder string          `json:"originalFolder,omitempty"`
	Attachments    []AttachmentRef `json:"attachments"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`

	// Version increases on every folder transition.
	Version uint64 `json:"version"`

	// ForwardedTo is set by forward rules during delivery and is never persisted.
	ForwardedTo []string `json:"-"`
}

// Clone returns a deep copy.
func (e *Email) Clone() *Email {
	c := *e
	c.To = append([]string(nil), e.To...)
	c.Attachments = append([]AttachmentRef(nil), e.Attachments...)
	c.ForwardedTo = append([]string(nil), e.ForwardedTo...)
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// HasAttachments reports whether the message references any attachment.
func (e *Email) HasAttachments() bool {
	return len(e.Attachments) > 0
}

// InTrash reports whether the message currently lives in the trash folder.
func (e *Email) InTrash() bool {
	return strings.EqualFold(e.Folder, consts.FolderTrash)
}

// MoveToTrash places the message in trash, remembering where it came from.
func (e *Email) MoveToTrash(now time.Time) {
	if e.InTrash() {
		return
	}
	if e.OriginalFolder == "" {
		e.OriginalFolder = e.Folder
	}
	e.Folder = consts.FolderTrash
	e.DeletedAt = &now
}

// SetFolder moves the message to folder outside of trash and keeps the
// trash invariants: deletedAt only while in trash, originalFolder tracks the
// folder a later trash would restore to.
func (e *Email) SetFolder(folder string, now time.Time) {
	if strings.EqualFold(folder, consts.FolderTrash) {
		e.MoveToTrash(now)
		return
	}
	if consts.IsSystemFolder(folder) {
		folder = strings.ToLower(folder)
	}
	e.Folder = folder
	e.OriginalFolder = folder
	e.DeletedAt = nil
}

// RestoreTarget is the folder a trashed message returns to.
func (e *Email) RestoreTarget() string {
	if e.OriginalFolder == "" || strings.EqualFold(e.OriginalFolder, consts.FolderTrash) {
		return consts.FolderInbox
	}
	return e.OriginalFolder
}

// Restore takes the message out of trash.
func (e *Email) Restore(target string) {
	e.Folder = target
	e.OriginalFolder = ""
	e.DeletedAt = nil
}
