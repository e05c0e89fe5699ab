package consts

import "strings"

const (
	FolderInbox  = "inbox"
	FolderSent   = "sent"
	FolderDrafts = "drafts"
	FolderTrash  = "trash"
)

// SystemFolders are created for every owner on first use, in display order.
var SystemFolders = []string{
	FolderInbox,
	FolderSent,
	FolderDrafts,
	FolderTrash,
}

// FolderAll is the query sentinel that disables folder filtering.
const FolderAll = "all"

// MaxFolderNameLength bounds custom folder names.
const MaxFolderNameLength = 50

// DefaultPriority is assigned to messages that carry no priority.
const DefaultPriority = 3

// TrashRetentionDays is the default age after which trashed mail is purged.
const TrashRetentionDays = 30

// IsSystemFolder reports whether name is reserved, ignoring case.
func IsSystemFolder(name string) bool {
	for _, f := range SystemFolders {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// ResolveFolder maps name onto its stored form. System folders are lower
// case; a custom name matches an existing folder ignoring case. The bool is
// false when name is custom and not among existing.
func ResolveFolder(name string, existing []string) (string, bool) {
	name = strings.TrimSpace(name)
	if IsSystemFolder(name) {
		return strings.ToLower(name), true
	}
	for _, f := range existing {
		if strings.EqualFold(f, name) {
			return f, true
		}
	}
	return name, false
}
