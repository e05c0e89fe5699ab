// Package mailstore persists email documents as one record per message under
// root/<owner>/<folder>/<messageId>.json, passing every record through a
// ContentCodec.
package mailstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/helpers"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/mail"
	"github.com/migadu/soramail/pkg/metrics"
)

const recordExt = ".json"

// FileStore is the on-disk mailbox store. All mutations of one message are
// serialized on an (owner, messageId) lock.
type FileStore struct {
	root  string
	codec ContentCodec
	locks *KeyedMutex

	// Now is the clock used for deletedAt stamps and retention cutoffs.
	Now func() time.Time
}

// New opens (creating if needed) a store rooted at root.
func New(root string, codec ContentCodec) (*FileStore, error) {
	root = filepath.Clean(strings.TrimSpace(root))
	if root == "" || root == "." {
		return nil, fmt.Errorf("mail store root cannot be empty")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create mail store root %s: %w", root, err)
	}
	if codec == nil {
		codec = NopCodec{}
	}
	return &FileStore{
		root:  root,
		codec: codec,
		locks: NewKeyedMutex(),
		Now:   time.Now,
	}, nil
}

// Writable checks that the store root still accepts new files.
func (s *FileStore) Writable() error {
	f, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("mail store root %s is not writable: %w", s.root, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Locks exposes the per-message lock table so callers can group several
// store calls into one critical section.
func (s *FileStore) Locks() *KeyedMutex {
	return s.locks
}

func validName(kind, name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\\x00") || strings.HasPrefix(name, ".") {
		return consts.Validation("invalid %s %q", kind, name)
	}
	return nil
}

func (s *FileStore) ownerDir(owner string) string {
	return filepath.Join(s.root, owner)
}

func (s *FileStore) folderDir(owner, folder string) string {
	return filepath.Join(s.root, owner, folder)
}

func (s *FileStore) recordPath(owner, folder, messageID string) string {
	return filepath.Join(s.root, owner, folder, messageID+recordExt)
}

// ensureMailbox creates the owner's system folders on first use.
func (s *FileStore) ensureMailbox(owner string) error {
	for _, folder := range consts.SystemFolders {
		if err := os.MkdirAll(s.folderDir(owner, folder), 0700); err != nil {
			return fmt.Errorf("%w: create folder %s: %v", consts.ErrStorage, folder, err)
		}
	}
	return nil
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.MailboxOperationsTotal.WithLabelValues(op, status).Inc()
	metrics.MailboxOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *FileStore) write(owner string, e *mail.Email) error {
	if err := validName("folder", e.Folder); err != nil {
		return err
	}
	if err := s.ensureMailbox(owner); err != nil {
		return err
	}
	dir := s.folderDir(owner, e.Folder)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: create folder %s: %v", consts.ErrStorage, e.Folder, err)
	}

	plain, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode email %s: %w", e.MessageID, err)
	}
	stored, err := s.codec.Encode(plain)
	if err != nil {
		return fmt.Errorf("%w: encode email %s: %v", consts.ErrStorage, e.MessageID, err)
	}

	if err := writeFileAtomic(dir, e.MessageID+recordExt, stored); err != nil {
		return fmt.Errorf("%w: write email %s: %v", consts.ErrStorage, e.MessageID, err)
	}
	logger.Debug("MAILSTORE: saved email", "owner", owner, "folder", e.Folder, "message_id", e.MessageID)
	return nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// read loads a record and returns it with its decoded bytes.
func (s *FileStore) read(owner, folder, messageID string) (*mail.Email, []byte, error) {
	stored, err := os.ReadFile(s.recordPath(owner, folder, messageID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s in %s", consts.ErrEmailNotFound, messageID, folder)
		}
		return nil, nil, fmt.Errorf("%w: read email %s: %v", consts.ErrStorage, messageID, err)
	}
	plain, err := s.codec.Decode(stored)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode email %s: %v", consts.ErrStorage, messageID, err)
	}
	var e mail.Email
	if err := json.Unmarshal(plain, &e); err != nil {
		return nil, nil, fmt.Errorf("%w: parse email %s: %v", consts.ErrStorage, messageID, err)
	}
	// The directory is authoritative for the folder.
	e.Folder = folder
	return &e, plain, nil
}

func (s *FileStore) checkKeys(owner, folder, messageID string) error {
	if err := validName("owner", owner); err != nil {
		return err
	}
	if folder != "" {
		if err := validName("folder", folder); err != nil {
			return err
		}
	}
	if messageID != "" {
		if err := validName("message id", messageID); err != nil {
			return err
		}
	}
	return nil
}

// Save upserts e under owner/e.Folder/e.MessageID.
func (s *FileStore) Save(ctx context.Context, owner string, e *mail.Email) (err error) {
	start := time.Now()
	defer func() { observe("save", start, err) }()

	if err := s.checkKeys(owner, e.Folder, e.MessageID); err != nil {
		return err
	}
	unlock := s.locks.Lock(messageKey(owner, e.MessageID))
	defer unlock()
	return s.write(owner, e)
}

// Get returns one message. It fails with consts.ErrEmailNotFound if absent.
func (s *FileStore) Get(ctx context.Context, owner, folder, messageID string) (*mail.Email, error) {
	e, _, err := s.GetWithStamp(ctx, owner, folder, messageID)
	return e, err
}

// GetWithStamp returns a message together with the content stamp that
// SaveIfStamp expects.
func (s *FileStore) GetWithStamp(ctx context.Context, owner, folder, messageID string) (*mail.Email, string, error) {
	if err := s.checkKeys(owner, folder, messageID); err != nil {
		return nil, "", err
	}
	e, plain, err := s.read(owner, folder, messageID)
	if err != nil {
		return nil, "", err
	}
	return e, helpers.HashContent(plain), nil
}

// SaveIfStamp writes e only if the stored record still hashes to stamp.
func (s *FileStore) SaveIfStamp(ctx context.Context, owner string, e *mail.Email, stamp string) (err error) {
	start := time.Now()
	defer func() { observe("save_cas", start, err) }()

	if err := s.checkKeys(owner, e.Folder, e.MessageID); err != nil {
		return err
	}
	unlock := s.locks.Lock(messageKey(owner, e.MessageID))
	defer unlock()

	_, plain, err := s.read(owner, e.Folder, e.MessageID)
	if err != nil {
		return err
	}
	if helpers.HashContent(plain) != stamp {
		return fmt.Errorf("%w: %s", consts.ErrVersionConflict, e.MessageID)
	}
	return s.write(owner, e)
}

// List returns every readable message in a folder. A missing folder is empty.
func (s *FileStore) List(ctx context.Context, owner, folder string) (emails []*mail.Email, err error) {
	start := time.Now()
	defer func() { observe("list", start, err) }()

	if err := s.checkKeys(owner, folder, ""); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.folderDir(owner, folder))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*mail.Email{}, nil
		}
		return nil, fmt.Errorf("%w: list folder %s: %v", consts.ErrStorage, folder, err)
	}

	emails = make([]*mail.Email, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		e, _, err := s.read(owner, folder, strings.TrimSuffix(name, recordExt))
		if err != nil {
			logger.Warn("MAILSTORE: skipping unreadable email", "owner", owner, "folder", folder, "file", name, "error", err)
			continue
		}
		emails = append(emails, e)
	}
	return emails, nil
}

// Update runs fn on the message stored in folder while holding its lock and
// persists the result. When fn changes the folder, the record is written to
// the new folder with an incremented version first and the old record is
// removed only after that write succeeded.
func (s *FileStore) Update(ctx context.Context, owner, messageID, folder string, fn func(*mail.Email) error) (result *mail.Email, err error) {
	start := time.Now()
	defer func() { observe("update", start, err) }()

	if err := s.checkKeys(owner, folder, messageID); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(messageKey(owner, messageID))
	defer unlock()

	e, _, err := s.read(owner, folder, messageID)
	if err != nil {
		return nil, err
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	if e.Folder == folder {
		return e, s.write(owner, e)
	}

	e.Version++
	if err := s.write(owner, e); err != nil {
		return nil, err
	}
	if err := os.Remove(s.recordPath(owner, folder, messageID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		metrics.CriticalOperationFailures.WithLabelValues("move_remove_source").Inc()
		logger.Error("MAILSTORE: moved email but failed to remove source record",
			"owner", owner, "message_id", messageID, "from", folder, "to", e.Folder, "error", err)
		return e, fmt.Errorf("%w: remove %s from %s: %v", consts.ErrStorage, messageID, folder, err)
	}
	return e, nil
}

// Move relocates a message between folders. Moving into trash stamps
// deletedAt; moving anywhere else clears it.
func (s *FileStore) Move(ctx context.Context, owner, messageID, fromFolder, toFolder string) (*mail.Email, error) {
	if err := validName("folder", toFolder); err != nil {
		return nil, err
	}
	return s.Update(ctx, owner, messageID, fromFolder, func(e *mail.Email) error {
		e.SetFolder(toFolder, s.Now())
		return nil
	})
}

// Delete physically removes a record. Removing a missing record is not an error.
func (s *FileStore) Delete(ctx context.Context, owner, folder, messageID string) (err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	if err := s.checkKeys(owner, folder, messageID); err != nil {
		return err
	}
	unlock := s.locks.Lock(messageKey(owner, messageID))
	defer unlock()

	if err := os.Remove(s.recordPath(owner, folder, messageID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: delete email %s: %v", consts.ErrStorage, messageID, err)
	}
	logger.Debug("MAILSTORE: deleted email", "owner", owner, "folder", folder, "message_id", messageID)
	return nil
}

// AllEmails lists every folder of a mailbox. A message found in two folders
// after an interrupted move is reported once, with its highest version.
func (s *FileStore) AllEmails(ctx context.Context, owner string) ([]*mail.Email, error) {
	folders, err := s.Folders(ctx, owner)
	if err != nil {
		return nil, err
	}

	var all []*mail.Email
	seen := make(map[string]int)
	for _, folder := range folders {
		emails, err := s.List(ctx, owner, folder)
		if err != nil {
			return nil, err
		}
		for _, e := range emails {
			if idx, dup := seen[e.MessageID]; dup {
				logger.Warn("MAILSTORE: email present in two folders", "owner", owner, "message_id", e.MessageID,
					"folder_a", all[idx].Folder, "folder_b", e.Folder)
				if e.Version > all[idx].Version {
					all[idx] = e
				}
				continue
			}
			seen[e.MessageID] = len(all)
			all = append(all, e)
		}
	}
	return all, nil
}

// PurgeTrashOlderThan deletes trashed messages whose deletedAt precedes
// now-retention and returns how many were removed.
func (s *FileStore) PurgeTrashOlderThan(ctx context.Context, owner string, retention time.Duration) (int, error) {
	trash, err := s.List(ctx, owner, consts.FolderTrash)
	if err != nil {
		return 0, err
	}

	cutoff := s.Now().Add(-retention)
	purged := 0
	var errs []error
	for _, e := range trash {
		if e.DeletedAt == nil || !e.DeletedAt.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, owner, consts.FolderTrash, e.MessageID); err != nil {
			logger.Error("MAILSTORE: failed to purge trashed email", "owner", owner, "message_id", e.MessageID, "error", err)
			errs = append(errs, err)
			continue
		}
		purged++
	}

	if purged > 0 {
		metrics.TrashPurgedTotal.Add(float64(purged))
		logger.Info("MAILSTORE: purged trash", "owner", owner, "count", purged, "retention", retention)
	}
	return purged, errors.Join(errs...)
}

// Owners lists every mailbox owner known to the store.
func (s *FileStore) Owners(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: list owners: %v", consts.ErrStorage, err)
	}
	var owners []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			owners = append(owners, entry.Name())
		}
	}
	return owners, nil
}
