// Package contacts stores per-user address book entries in bbolt.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/logger"
	"go.etcd.io/bbolt"
)

var contactsBucket = []byte("contacts")

type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *Contact) validate() error {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	if c.Name == "" {
		return consts.Validation("contact name cannot be empty")
	}
	if c.Email == "" {
		return consts.Validation("contact email cannot be empty")
	}
	return nil
}

type matchFunc func(c Contact, keyword string) bool

var searchers = map[string]matchFunc{
	"name":  func(c Contact, kw string) bool { return strings.Contains(strings.ToLower(c.Name), kw) },
	"email": func(c Contact, kw string) bool { return strings.Contains(strings.ToLower(c.Email), kw) },
	"all": func(c Contact, kw string) bool {
		return strings.Contains(strings.ToLower(c.Name), kw) || strings.Contains(strings.ToLower(c.Email), kw)
	},
}

type lessFunc func(a, b Contact) bool

var sorters = map[string]lessFunc{
	"name": func(a, b Contact) bool { return strings.ToLower(a.Name) < strings.ToLower(b.Name) },
	"date": func(a, b Contact) bool { return a.CreatedAt.After(b.CreatedAt) },
}

// Sort orders contacts by "name" (the default) or "date" (newest first).
func Sort(list []Contact, sortBy string) {
	less, ok := sorters[strings.ToLower(sortBy)]
	if !ok {
		less = sorters["name"]
	}
	sort.SliceStable(list, func(i, j int) bool { return less(list[i], list[j]) })
}

// BoltStore keeps one sub-bucket per owner under "contacts", keyed by
// contact id.
type BoltStore struct {
	db *bbolt.DB

	// Now stamps created and updated times.
	Now func() time.Time
}

func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(contactsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", contactsBucket, err)
	}
	return &BoltStore{db: db, Now: time.Now}, nil
}

func ownerBucket(tx *bbolt.Tx, owner string, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(contactsBucket)
	if create {
		return root.CreateBucketIfNotExists([]byte(owner))
	}
	return root.Bucket([]byte(owner)), nil
}

func put(b *bbolt.Bucket, c Contact) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.Put([]byte(c.ID), raw)
}

func checkOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return consts.Validation("owner is empty")
	}
	return nil
}

// Add stores a new contact and returns it with its id and stamps set.
func (s *BoltStore) Add(ctx context.Context, owner string, c Contact) (Contact, error) {
	if err := checkOwner(owner); err != nil {
		return Contact{}, err
	}
	if err := c.validate(); err != nil {
		return Contact{}, err
	}
	if strings.TrimSpace(c.ID) == "" {
		c.ID = "contact-" + uuid.NewString()[:8]
	}
	now := s.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := ownerBucket(tx, owner, true)
		if err != nil {
			return err
		}
		if b.Get([]byte(c.ID)) != nil {
			return consts.Validation("contact %s already exists", c.ID)
		}
		return put(b, c)
	})
	if err != nil {
		return Contact{}, err
	}
	logger.Info("CONTACTS: contact added", "owner", owner, "contact_id", c.ID)
	return c, nil
}

// Update replaces name and email of an existing contact.
func (s *BoltStore) Update(ctx context.Context, owner, id string, c Contact) (Contact, error) {
	if err := c.validate(); err != nil {
		return Contact{}, err
	}
	var updated Contact
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, _ := ownerBucket(tx, owner, false)
		existing, err := get(b, id)
		if err != nil {
			return err
		}
		existing.Name = c.Name
		existing.Email = c.Email
		existing.UpdatedAt = s.Now().UTC()
		updated = existing
		return put(b, existing)
	})
	if err != nil {
		return Contact{}, err
	}
	logger.Info("CONTACTS: contact updated", "owner", owner, "contact_id", id)
	return updated, nil
}

// Delete removes a contact.
func (s *BoltStore) Delete(ctx context.Context, owner, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, _ := ownerBucket(tx, owner, false)
		if _, err := get(b, id); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	logger.Info("CONTACTS: contact deleted", "owner", owner, "contact_id", id)
	return nil
}

func get(b *bbolt.Bucket, id string) (Contact, error) {
	if b == nil {
		return Contact{}, fmt.Errorf("%w: %s", consts.ErrContactNotFound, id)
	}
	raw := b.Get([]byte(id))
	if raw == nil {
		return Contact{}, fmt.Errorf("%w: %s", consts.ErrContactNotFound, id)
	}
	var c Contact
	if err := json.Unmarshal(raw, &c); err != nil {
		return Contact{}, fmt.Errorf("%w: decode contact %s: %v", consts.ErrStorage, id, err)
	}
	return c, nil
}

func (s *BoltStore) Get(ctx context.Context, owner, id string) (Contact, error) {
	var c Contact
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, _ := ownerBucket(tx, owner, false)
		var err error
		c, err = get(b, id)
		return err
	})
	return c, err
}

func (s *BoltStore) all(owner string) ([]Contact, error) {
	list := []Contact{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, _ := ownerBucket(tx, owner, false)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var c Contact
			if err := json.Unmarshal(v, &c); err != nil {
				logger.Warn("CONTACTS: skipping unreadable contact", "owner", owner, "contact_id", string(k), "error", err)
				return nil
			}
			list = append(list, c)
			return nil
		})
	})
	return list, err
}

// List returns every contact of owner sorted by sortBy.
func (s *BoltStore) List(ctx context.Context, owner, sortBy string) ([]Contact, error) {
	list, err := s.all(owner)
	if err != nil {
		return nil, err
	}
	Sort(list, sortBy)
	return list, nil
}

// Search returns contacts whose name, email, or either ("all", the default)
// contains keyword, ignoring case.
func (s *BoltStore) Search(ctx context.Context, owner, keyword, in, sortBy string) ([]Contact, error) {
	match, ok := searchers[strings.ToLower(in)]
	if !ok {
		match = searchers["all"]
	}
	list, err := s.all(owner)
	if err != nil {
		return nil, err
	}
	kw := strings.ToLower(strings.TrimSpace(keyword))
	out := list[:0]
	for _, c := range list {
		if match(c, kw) {
			out = append(out, c)
		}
	}
	Sort(out, sortBy)
	return out, nil
}

// Autocomplete returns contacts whose email starts with prefix, ignoring case.
func (s *BoltStore) Autocomplete(ctx context.Context, owner, prefix string) ([]Contact, error) {
	list, err := s.all(owner)
	if err != nil {
		return nil, err
	}
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	out := list[:0]
	for _, c := range list {
		if strings.HasPrefix(strings.ToLower(c.Email), prefix) {
			out = append(out, c)
		}
	}
	Sort(out, "name")
	return out, nil
}

// Count returns the number of contacts owner has.
func (s *BoltStore) Count(ctx context.Context, owner string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, _ := ownerBucket(tx, owner, false)
		if b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}
