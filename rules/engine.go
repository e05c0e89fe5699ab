package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/mail"
	"github.com/migadu/soramail/pkg/metrics"
)

// RuleSource provides a user's rules in evaluation order.
type RuleSource interface {
	List(ctx context.Context, owner string) ([]Rule, error)
}

// FolderLister lists the folders an owner already has.
type FolderLister interface {
	Folders(ctx context.Context, owner string) ([]string, error)
}

// actionFunc applies a matched rule to an email.
type actionFunc func(e *mail.Email, r Rule, now time.Time)

var actions = map[string]actionFunc{
	ActionMove: func(e *mail.Email, r Rule, now time.Time) {
		e.SetFolder(strings.TrimSpace(r.NewFolder), now)
	},
	ActionStar: func(e *mail.Email, _ Rule, _ time.Time) {
		e.IsStarred = true
	},
	ActionDelete: func(e *mail.Email, _ Rule, now time.Time) {
		e.MoveToTrash(now)
	},
	ActionMarkRead: func(e *mail.Email, _ Rule, _ time.Time) {
		e.IsRead = true
	},
	ActionForward: func(e *mail.Email, r Rule, _ time.Time) {
		e.ForwardedTo = append([]string(nil), r.ForwardedTo...)
	},
}

// Engine evaluates a user's rules against one email at a time.
type Engine struct {
	rules RuleSource
	text  TextExtractor

	// Folders resolves move targets onto existing folders. Without it the
	// target is only normalized for system names.
	Folders FolderLister

	// Now stamps deletedAt when a delete rule fires.
	Now func() time.Time
}

func NewEngine(rules RuleSource, text TextExtractor) *Engine {
	return &Engine{rules: rules, text: text, Now: time.Now}
}

// Apply runs the owner's rules in order. The first matching rule with a
// known action is applied and evaluation stops. Rules naming an unknown
// property, matcher or action never match. The input is not modified; the
// returned email is a copy, or the input itself when no rule matched.
//
// A failure to load the rule list is returned together with the unmodified
// email so delivery can continue.
func (en *Engine) Apply(ctx context.Context, owner string, e *mail.Email) (*mail.Email, error) {
	list, err := en.rules.List(ctx, owner)
	if err != nil {
		metrics.RuleEvaluationsTotal.WithLabelValues("error").Inc()
		return e, fmt.Errorf("failed to load rules for %s: %w", owner, err)
	}

	for _, r := range list {
		action, ok := actions[norm(r.Action)]
		if !ok {
			en.skip(owner, r, "unknown_action")
			continue
		}
		if !en.matches(owner, r, e) {
			continue
		}

		if norm(r.Action) == ActionMove {
			r.NewFolder = en.moveTarget(ctx, owner, r.NewFolder)
		}
		out := e.Clone()
		action(out, r, en.Now())
		metrics.RuleEvaluationsTotal.WithLabelValues("matched").Inc()
		metrics.RuleActionsTotal.WithLabelValues(norm(r.Action)).Inc()
		logger.Debug("RULES: rule matched", "owner", owner, "rule_id", r.ID, "action", norm(r.Action), "message_id", e.MessageID)
		return out, nil
	}

	metrics.RuleEvaluationsTotal.WithLabelValues("no_match").Inc()
	return e, nil
}

// moveTarget maps a rule's folder onto the owner's stored folder so a
// differently cased name does not create a second folder.
func (en *Engine) moveTarget(ctx context.Context, owner, folder string) string {
	if en.Folders == nil || consts.IsSystemFolder(folder) {
		target, _ := consts.ResolveFolder(folder, nil)
		return target
	}
	existing, err := en.Folders.Folders(ctx, owner)
	if err != nil {
		logger.Warn("RULES: cannot list folders, using move target as given", "owner", owner, "folder", folder, "error", err)
	}
	target, _ := consts.ResolveFolder(folder, existing)
	return target
}

// Matches reports whether r selects e.
func (en *Engine) Matches(r Rule, e *mail.Email) bool {
	return en.matches("", r, e)
}

func (en *Engine) matches(owner string, r Rule, e *mail.Email) bool {
	property, matcher := norm(r.Property), norm(r.Matcher)
	value := norm(r.Value)

	if property == PropertyComposite {
		if matcher != MatchComplex {
			en.skip(owner, r, "unknown_matcher")
			return false
		}
		matched, skipped := matchComplex(e, r.Value, en.text)
		if skipped > 0 {
			en.skip(owner, r, "malformed_clause")
		}
		return matched
	}

	resolve, ok := properties[property]
	if !ok {
		en.skip(owner, r, "unknown_property")
		return false
	}
	match, ok := matchers[matcher]
	if !ok {
		en.skip(owner, r, "unknown_matcher")
		return false
	}
	return anyMatch(resolve(e, en.text), value, match)
}

func (en *Engine) skip(owner string, r Rule, reason string) {
	metrics.RulesSkippedTotal.WithLabelValues(reason).Inc()
	logger.Debug("RULES: skipping rule", "owner", owner, "rule_id", r.ID, "reason", reason)
}
