package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/logger"
	"go.etcd.io/bbolt"
)

var rulesBucket = []byte("filter_rules")

// BoltStore keeps each owner's ordered rule list as one JSON document in a
// bbolt bucket.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore prepares the rules bucket in db.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rulesBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", rulesBucket, err)
	}
	return &BoltStore{db: db}, nil
}

func readList(tx *bbolt.Tx, owner string) ([]Rule, error) {
	raw := tx.Bucket(rulesBucket).Get([]byte(owner))
	if raw == nil {
		return []Rule{}, nil
	}
	var list []Rule
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: decode rules of %s: %v", consts.ErrStorage, owner, err)
	}
	return list, nil
}

func writeList(tx *bbolt.Tx, owner string, list []Rule) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return tx.Bucket(rulesBucket).Put([]byte(owner), raw)
}

// update runs fn on the owner's list inside one write transaction.
func (s *BoltStore) update(owner string, fn func([]Rule) ([]Rule, error)) error {
	if strings.TrimSpace(owner) == "" {
		return consts.Validation("owner is empty")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		list, err := readList(tx, owner)
		if err != nil {
			return err
		}
		list, err = fn(list)
		if err != nil {
			return err
		}
		return writeList(tx, owner, list)
	})
}

func indexOf(list []Rule, id string) int {
	return slices.IndexFunc(list, func(r Rule) bool { return r.ID == id })
}

// List returns the owner's rules in evaluation order.
func (s *BoltStore) List(ctx context.Context, owner string) ([]Rule, error) {
	var list []Rule
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		list, err = readList(tx, owner)
		return err
	})
	return list, err
}

// Get returns one rule.
func (s *BoltStore) Get(ctx context.Context, owner, id string) (Rule, error) {
	list, err := s.List(ctx, owner)
	if err != nil {
		return Rule{}, err
	}
	if i := indexOf(list, id); i >= 0 {
		return list[i], nil
	}
	return Rule{}, fmt.Errorf("%w: %s", consts.ErrRuleNotFound, id)
}

// Create validates r, assigns an id when it has none and appends it to the
// end of the list.
func (s *BoltStore) Create(ctx context.Context, owner string, r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	if strings.TrimSpace(r.ID) == "" {
		r.ID = newRuleID()
	}

	err := s.update(owner, func(list []Rule) ([]Rule, error) {
		if indexOf(list, r.ID) >= 0 {
			return nil, consts.Validation("rule %s already exists", r.ID)
		}
		return append(list, r), nil
	})
	if err != nil {
		return Rule{}, err
	}
	logger.Info("RULES: rule created", "owner", owner, "rule_id", r.ID)
	return r, nil
}

// Update replaces the rule with the given id, keeping its position.
func (s *BoltStore) Update(ctx context.Context, owner, id string, r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	r.ID = id

	err := s.update(owner, func(list []Rule) ([]Rule, error) {
		i := indexOf(list, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", consts.ErrRuleNotFound, id)
		}
		list[i] = r
		return list, nil
	})
	if err != nil {
		return Rule{}, err
	}
	logger.Info("RULES: rule updated", "owner", owner, "rule_id", id)
	return r, nil
}

// Delete removes a rule.
func (s *BoltStore) Delete(ctx context.Context, owner, id string) error {
	err := s.update(owner, func(list []Rule) ([]Rule, error) {
		i := indexOf(list, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", consts.ErrRuleNotFound, id)
		}
		return slices.Delete(list, i, i+1), nil
	})
	if err != nil {
		return err
	}
	logger.Info("RULES: rule deleted", "owner", owner, "rule_id", id)
	return nil
}

// Reorder sets the evaluation order. ids must name every rule exactly once.
func (s *BoltStore) Reorder(ctx context.Context, owner string, ids []string) error {
	return s.update(owner, func(list []Rule) ([]Rule, error) {
		if len(ids) != len(list) {
			return nil, consts.Validation("reorder needs all %d rule ids, got %d", len(list), len(ids))
		}
		out := make([]Rule, 0, len(list))
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			i := indexOf(list, id)
			if i < 0 {
				return nil, fmt.Errorf("%w: %s", consts.ErrRuleNotFound, id)
			}
			if seen[id] {
				return nil, consts.Validation("rule %s listed twice", id)
			}
			seen[id] = true
			out = append(out, list[i])
		}
		return out, nil
	})
}
