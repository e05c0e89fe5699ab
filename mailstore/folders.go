package mailstore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/mail"
)

// Folders returns the folder directories of a mailbox, creating the system
// folders on first use.
func (s *FileStore) Folders(ctx context.Context, owner string) ([]string, error) {
	if err := s.checkKeys(owner, "", ""); err != nil {
		return nil, err
	}
	if err := s.ensureMailbox(owner); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.ownerDir(owner))
	if err != nil {
		return nil, fmt.Errorf("%w: list folders: %v", consts.ErrStorage, err)
	}
	folders := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && validName("folder", entry.Name()) == nil {
			folders = append(folders, entry.Name())
		}
	}
	return folders, nil
}

// FolderExists reports whether the folder directory exists.
func (s *FileStore) FolderExists(ctx context.Context, owner, folder string) (bool, error) {
	if err := s.checkKeys(owner, folder, ""); err != nil {
		return false, err
	}
	info, err := os.Stat(s.folderDir(owner, folder))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat folder %s: %v", consts.ErrStorage, folder, err)
	}
	return info.IsDir(), nil
}

// CreateFolder adds an empty folder.
func (s *FileStore) CreateFolder(ctx context.Context, owner, folder string) error {
	if err := s.checkKeys(owner, folder, ""); err != nil {
		return err
	}
	unlock := s.locks.Lock(folderKey(owner))
	defer unlock()

	if err := s.ensureMailbox(owner); err != nil {
		return err
	}
	if err := os.Mkdir(s.folderDir(owner, folder), 0700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", consts.ErrFolderExists, folder)
		}
		return fmt.Errorf("%w: create folder %s: %v", consts.ErrStorage, folder, err)
	}
	logger.Info("MAILSTORE: created folder", "owner", owner, "folder", folder)
	return nil
}

// DeleteFolder moves every message of folder to inbox and removes the
// folder. It returns the number of migrated messages.
func (s *FileStore) DeleteFolder(ctx context.Context, owner, folder string) (int, error) {
	if err := s.checkKeys(owner, folder, ""); err != nil {
		return 0, err
	}
	unlock := s.locks.Lock(folderKey(owner))
	defer unlock()

	exists, err := s.FolderExists(ctx, owner, folder)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", consts.ErrFolderNotFound, folder)
	}

	emails, err := s.List(ctx, owner, folder)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, e := range emails {
		if _, err := s.Move(ctx, owner, e.MessageID, folder, consts.FolderInbox); err != nil {
			return moved, fmt.Errorf("failed to migrate %s out of %s: %w", e.MessageID, folder, err)
		}
		moved++
	}

	if err := os.RemoveAll(s.folderDir(owner, folder)); err != nil {
		return moved, fmt.Errorf("%w: remove folder %s: %v", consts.ErrStorage, folder, err)
	}
	logger.Info("MAILSTORE: deleted folder", "owner", owner, "folder", folder, "migrated", moved)
	return moved, nil
}

// RenameFolder renames the folder directory and then rewrites the folder
// attribute of every contained message. Trashed messages that would restore
// into the old name are pointed at the new one.
func (s *FileStore) RenameFolder(ctx context.Context, owner, oldName, newName string) error {
	if err := s.checkKeys(owner, oldName, ""); err != nil {
		return err
	}
	if err := validName("folder", newName); err != nil {
		return err
	}
	unlock := s.locks.Lock(folderKey(owner))
	defer unlock()

	exists, err := s.FolderExists(ctx, owner, oldName)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", consts.ErrFolderNotFound, oldName)
	}
	if exists, err := s.FolderExists(ctx, owner, newName); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s", consts.ErrFolderExists, newName)
	}

	if err := os.Rename(s.folderDir(owner, oldName), s.folderDir(owner, newName)); err != nil {
		return fmt.Errorf("%w: rename folder %s: %v", consts.ErrStorage, oldName, err)
	}

	retarget := func(e *mail.Email) error {
		if e.OriginalFolder == oldName {
			e.OriginalFolder = newName
		}
		return nil
	}

	relabel := func(e *mail.Email) error {
		e.Folder = newName
		return retarget(e)
	}

	emails, err := s.List(ctx, owner, newName)
	if err != nil {
		return err
	}
	for _, e := range emails {
		if _, err := s.Update(ctx, owner, e.MessageID, newName, relabel); err != nil {
			return fmt.Errorf("failed to rewrite %s after rename: %w", e.MessageID, err)
		}
	}

	trash, err := s.List(ctx, owner, consts.FolderTrash)
	if err != nil {
		return err
	}
	for _, e := range trash {
		if e.OriginalFolder != oldName {
			continue
		}
		if _, err := s.Update(ctx, owner, e.MessageID, consts.FolderTrash, retarget); err != nil {
			return fmt.Errorf("failed to retarget trashed %s after rename: %w", e.MessageID, err)
		}
	}

	logger.Info("MAILSTORE: renamed folder", "owner", owner, "from", oldName, "to", newName)
	return nil
}
