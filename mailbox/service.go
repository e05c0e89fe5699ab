// Package mailbox implements the per-user mailbox operations on top of the
// mailbox store: flag changes, trash and restore, bulk actions, paginated
// views and folder management.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/mail"
	"github.com/migadu/soramail/query"
)

// Store is the subset of mailstore.FileStore the service needs.
type Store interface {
	Get(ctx context.Context, owner, folder, messageID string) (*mail.Email, error)
	List(ctx context.Context, owner, folder string) ([]*mail.Email, error)
	Update(ctx context.Context, owner, messageID, folder string, fn func(*mail.Email) error) (*mail.Email, error)
	Delete(ctx context.Context, owner, folder, messageID string) error
	AllEmails(ctx context.Context, owner string) ([]*mail.Email, error)
	PurgeTrashOlderThan(ctx context.Context, owner string, retention time.Duration) (int, error)

	Folders(ctx context.Context, owner string) ([]string, error)
	FolderExists(ctx context.Context, owner, folder string) (bool, error)
	CreateFolder(ctx context.Context, owner, folder string) error
	DeleteFolder(ctx context.Context, owner, folder string) (int, error)
	RenameFolder(ctx context.Context, owner, oldName, newName string) error
}

type Service struct {
	store Store
	query *query.Engine

	// Now stamps trash transitions.
	Now func() time.Time
}

func New(store Store, q *query.Engine) *Service {
	return &Service{store: store, query: q, Now: time.Now}
}

// locate finds the folder currently holding messageID.
func (s *Service) locate(ctx context.Context, owner, messageID string) (*mail.Email, error) {
	folders, err := s.store.Folders(ctx, owner)
	if err != nil {
		return nil, err
	}
	var found *mail.Email
	for _, folder := range folders {
		e, err := s.store.Get(ctx, owner, folder, messageID)
		if errors.Is(err, consts.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// Half-moved records exist twice; the higher version is current.
		if found == nil || e.Version > found.Version {
			found = e
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", consts.ErrEmailNotFound, messageID)
	}
	return found, nil
}

// update locates the message and applies fn under the store's per-message
// lock. A concurrent move between locating and locking is retried once.
func (s *Service) update(ctx context.Context, owner, messageID string, fn func(*mail.Email) error) (*mail.Email, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		e, err := s.locate(ctx, owner, messageID)
		if err != nil {
			return nil, err
		}
		updated, err := s.store.Update(ctx, owner, messageID, e.Folder, fn)
		if !errors.Is(err, consts.ErrEmailNotFound) {
			return updated, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Get returns a message from whichever folder holds it.
func (s *Service) Get(ctx context.Context, owner, messageID string) (*mail.Email, error) {
	return s.locate(ctx, owner, messageID)
}

func (s *Service) setFlag(ctx context.Context, owner, messageID string, set func(*mail.Email)) (*mail.Email, error) {
	return s.update(ctx, owner, messageID, func(e *mail.Email) error {
		set(e)
		return nil
	})
}

func (s *Service) MarkRead(ctx context.Context, owner, messageID string) (*mail.Email, error) {
	return s.setFlag(ctx, owner, messageID, func(e *mail.Email) { e.IsRead = true })
}

func (s *Service) MarkUnread(ctx context.Context, owner, messageID string) (*mail.Email, error) {
	return s.setFlag(ctx, owner, messageID, func(e *mail.Email) { e.IsRead = false })
}

func (s *Service) Star(ctx context.Context, owner, messageID string) (*mail.Email, error) {
	return s.setFlag(ctx, owner, messageID, func(e *mail.Email) { e.IsStarred = true })
}

func (s *Service) Unstar(ctx context.Context, owner, messageID string) (*mail.Email, error) {
	return s.setFlag(ctx, owner, messageID, func(e *mail.Email) { e.IsStarred = false })
}

// resolveFolder maps name onto the stored folder, matching case-insensitively.
func (s *Service) resolveFolder(ctx context.Context, owner, name string) (string, error) {
	if consts.IsSystemFolder(name) {
		target, _ := consts.ResolveFolder(name, nil)
		return target, nil
	}
	folders, err := s.store.Folders(ctx, owner)
	if err != nil {
		return "", err
	}
	target, ok := consts.ResolveFolder(name, folders)
	if !ok {
		return "", fmt.Errorf("%w: %s", consts.ErrFolderNotFound, target)
	}
	return target, nil
}

// MoveTo moves a message into an existing folder. Moving into trash is the
// same as Trash.
func (s *Service) MoveTo(ctx context.Context, owner, messageID, toFolder string) (*mail.Email, error) {
	target, err := s.resolveFolder(ctx, owner, toFolder)
	if err != nil {
		return nil, err
	}
	moved, err := s.update(ctx, owner, messageID, func(e *mail.Email) error {
		e.SetFolder(target, s.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("MAILBOX: moved email", "owner", owner, "message_id", messageID, "to", target)
	return moved, nil
}

// Trash moves a message into trash. A message already there is returned as is.
func (s *Service) Trash(ctx context.Context, owner, messageID string) (*mail.Email, error) {
	return s.update(ctx, owner, messageID, func(e *mail.Email) error {
		e.MoveToTrash(s.Now())
		return nil
	})
}

// Restore takes a message out of trash back into its original folder, or
// into inbox when that folder no longer exists.
func (s *Service) Restore(ctx context.Context, owner, messageID string) (*mail.Email, error) {
	e, err := s.locate(ctx, owner, messageID)
	if err != nil {
		return nil, err
	}
	if !e.InTrash() {
		return nil, consts.Validation("email %s is not in trash", messageID)
	}

	target := e.RestoreTarget()
	if !consts.IsSystemFolder(target) {
		exists, err := s.store.FolderExists(ctx, owner, target)
		if err != nil {
			return nil, err
		}
		if !exists {
			logger.Info("MAILBOX: original folder gone, restoring to inbox", "owner", owner, "message_id", messageID, "folder", target)
			target = consts.FolderInbox
		}
	}

	return s.store.Update(ctx, owner, messageID, e.Folder, func(e *mail.Email) error {
		if !e.InTrash() {
			return consts.Validation("email %s is not in trash", messageID)
		}
		e.Restore(target)
		return nil
	})
}

// Delete trashes a message, or removes it for good when it already is in trash.
func (s *Service) Delete(ctx context.Context, owner, messageID string) error {
	e, err := s.locate(ctx, owner, messageID)
	if err != nil {
		return err
	}
	if e.InTrash() {
		if err := s.store.Delete(ctx, owner, e.Folder, messageID); err != nil {
			return err
		}
		logger.Info("MAILBOX: permanently deleted email", "owner", owner, "message_id", messageID)
		return nil
	}
	_, err = s.Trash(ctx, owner, messageID)
	return err
}

// PurgeTrash removes trashed messages older than retention.
func (s *Service) PurgeTrash(ctx context.Context, owner string, retention time.Duration) (int, error) {
	return s.store.PurgeTrashOlderThan(ctx, owner, retention)
}
