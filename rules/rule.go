// Package rules implements per-user auto-filter rules: the persisted rule
// list, the matching engine applied at delivery time and Sieve export.
package rules

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/helpers"
)

// Properties a rule can test.
const (
	PropertySubject   = "subject"
	PropertyBody      = "body"
	PropertyFrom      = "from"
	PropertyTo        = "to"
	PropertyReceiver  = "receiver"
	PropertyComposite = "composite"
)

// Matchers.
const (
	MatchContains   = "contains"
	MatchStartsWith = "startswith"
	MatchEndsWith   = "endswith"
	MatchExactly    = "exactly"
	MatchComplex    = "complex"
)

// Actions.
const (
	ActionMove     = "move"
	ActionStar     = "star"
	ActionDelete   = "delete"
	ActionMarkRead = "markread"
	ActionForward  = "forward"
)

// Rule is one entry of a user's ordered filter list. Property, matcher and
// action names are compared case-insensitively.
type Rule struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Property    string   `json:"property"`
	Matcher     string   `json:"matcher"`
	Value       string   `json:"value"`
	Action      string   `json:"action"`
	NewFolder   string   `json:"newFolder,omitempty"`
	ForwardedTo []string `json:"forwardedTo,omitempty"`
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Validate checks a rule before it is persisted.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Property) == "" {
		return fmt.Errorf("%w: property is empty", consts.ErrInvalidRule)
	}
	if strings.TrimSpace(r.Matcher) == "" {
		return fmt.Errorf("%w: matcher is empty", consts.ErrInvalidRule)
	}
	if strings.TrimSpace(r.Value) == "" {
		return fmt.Errorf("%w: value is empty", consts.ErrInvalidRule)
	}
	if _, ok := properties[norm(r.Property)]; !ok && norm(r.Property) != PropertyComposite {
		return fmt.Errorf("%w: unknown property %q", consts.ErrInvalidRule, r.Property)
	}
	if _, ok := matchers[norm(r.Matcher)]; !ok && norm(r.Matcher) != MatchComplex {
		return fmt.Errorf("%w: unknown matcher %q", consts.ErrInvalidRule, r.Matcher)
	}
	if (norm(r.Property) == PropertyComposite) != (norm(r.Matcher) == MatchComplex) {
		return fmt.Errorf("%w: the complex matcher is only valid with the composite property", consts.ErrInvalidRule)
	}

	switch norm(r.Action) {
	case ActionMove:
		folder := strings.TrimSpace(r.NewFolder)
		if folder == "" {
			return fmt.Errorf("%w: move requires a target folder", consts.ErrInvalidRule)
		}
		if !consts.IsSystemFolder(folder) {
			if err := helpers.ValidateFolderName(folder); err != nil {
				return fmt.Errorf("%w: %v", consts.ErrInvalidRule, err)
			}
		}
	case ActionForward:
		if len(r.ForwardedTo) == 0 {
			return fmt.Errorf("%w: forward requires at least one address", consts.ErrInvalidRule)
		}
		for _, addr := range r.ForwardedTo {
			if strings.TrimSpace(addr) == "" {
				return fmt.Errorf("%w: empty forward address", consts.ErrInvalidRule)
			}
		}
	case ActionStar, ActionDelete, ActionMarkRead:
	default:
		return fmt.Errorf("%w: unknown action %q", consts.ErrInvalidRule, r.Action)
	}
	return nil
}

// newRuleID returns "filter-" followed by eight hex characters.
func newRuleID() string {
	return "filter-" + uuid.NewString()[:8]
}
