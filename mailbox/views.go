package mailbox

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/helpers"
	"github.com/migadu/soramail/mail"
	"github.com/migadu/soramail/query"
)

// FolderInfo describes one folder of a mailbox.
type FolderInfo struct {
	Name   string `json:"name"`
	System bool   `json:"system"`
	Total  int    `json:"total"`
	Unread int    `json:"unread"`
}

// ListFolder returns one page of a folder sorted by sortBy.
func (s *Service) ListFolder(ctx context.Context, owner, folder string, page, size int, sortBy string) (query.Page, error) {
	name, err := s.resolveFolder(ctx, owner, folder)
	if err != nil {
		return query.Page{}, err
	}
	emails, err := s.store.List(ctx, owner, name)
	if err != nil {
		return query.Page{}, err
	}
	query.SortBy(sortBy)(emails)
	return query.Paginate(emails, page, size, name), nil
}

// Search runs r across every folder of the mailbox.
func (s *Service) Search(ctx context.Context, owner string, r query.Request) (query.Page, error) {
	all, err := s.store.AllEmails(ctx, owner)
	if err != nil {
		return query.Page{}, err
	}
	return s.query.Run(all, r)
}

// Starred returns starred messages from all folders, newest first.
func (s *Service) Starred(ctx context.Context, owner string, page, size int) (query.Page, error) {
	return s.Search(ctx, owner, query.Request{Folder: query.StatusStarred, SortBy: "date", Page: page, Size: size})
}

// UnreadCount counts unread messages in inbox.
func (s *Service) UnreadCount(ctx context.Context, owner string) (int, error) {
	inbox, err := s.store.List(ctx, owner, consts.FolderInbox)
	if err != nil {
		return 0, err
	}
	return countUnread(inbox), nil
}

func countUnread(emails []*mail.Email) int {
	n := 0
	for _, e := range emails {
		if !e.IsRead {
			n++
		}
	}
	return n
}

// Folders lists system folders in fixed order followed by custom folders
// sorted by name.
func (s *Service) Folders(ctx context.Context, owner string) ([]FolderInfo, error) {
	names, err := s.store.Folders(ctx, owner)
	if err != nil {
		return nil, err
	}
	var custom []string
	for _, name := range names {
		if !consts.IsSystemFolder(name) {
			custom = append(custom, name)
		}
	}
	sort.Slice(custom, func(i, j int) bool { return strings.ToLower(custom[i]) < strings.ToLower(custom[j]) })

	infos := make([]FolderInfo, 0, len(consts.SystemFolders)+len(custom))
	for _, name := range append(append([]string(nil), consts.SystemFolders...), custom...) {
		emails, err := s.store.List(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, FolderInfo{
			Name:   name,
			System: consts.IsSystemFolder(name),
			Total:  len(emails),
			Unread: countUnread(emails),
		})
	}
	return infos, nil
}

// reservedViews would be shadowed by query shorthands if used as folder names.
var reservedViews = []string{consts.FolderAll, query.StatusStarred, query.StatusRead, query.StatusUnread}

func validateCustomName(name string) error {
	if err := helpers.ValidateFolderName(name); err != nil {
		return err
	}
	for _, v := range reservedViews {
		if strings.EqualFold(v, name) {
			return consts.ErrReservedFolder
		}
	}
	return nil
}

// CreateFolder adds a custom folder. Names are unique ignoring case.
func (s *Service) CreateFolder(ctx context.Context, owner, name string) error {
	if err := validateCustomName(name); err != nil {
		return err
	}
	if existing, err := s.resolveFolder(ctx, owner, name); err == nil {
		return fmt.Errorf("%w: %s", consts.ErrFolderExists, existing)
	}
	return s.store.CreateFolder(ctx, owner, name)
}

// RenameFolder renames a custom folder.
func (s *Service) RenameFolder(ctx context.Context, owner, oldName, newName string) error {
	if consts.IsSystemFolder(oldName) {
		return consts.ErrReservedFolder
	}
	if err := validateCustomName(newName); err != nil {
		return err
	}
	current, err := s.resolveFolder(ctx, owner, oldName)
	if err != nil {
		return err
	}
	if existing, err := s.resolveFolder(ctx, owner, newName); err == nil && existing != current {
		return consts.ErrFolderExists
	}
	return s.store.RenameFolder(ctx, owner, current, newName)
}

// DeleteFolder removes a custom folder, moving its messages to inbox.
func (s *Service) DeleteFolder(ctx context.Context, owner, name string) (int, error) {
	if consts.IsSystemFolder(name) {
		return 0, consts.ErrReservedFolder
	}
	current, err := s.resolveFolder(ctx, owner, name)
	if err != nil {
		return 0, err
	}
	return s.store.DeleteFolder(ctx, owner, current)
}
