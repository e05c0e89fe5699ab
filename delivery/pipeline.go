// Package delivery sends, drafts and forwards messages between local
// mailboxes.
//
// A send validates the draft and its attachments, stores the sender's copy
// in "sent" after running the sender's rules, and then delivers one inbox
// copy per recipient through that recipient's rules. Forward rules re-enter
// the pipeline with a bounded depth.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/directory"
	"github.com/migadu/soramail/helpers"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/mail"
	"github.com/migadu/soramail/pkg/metrics"
	"github.com/migadu/soramail/server/idgen"
)

// Store persists messages.
type Store interface {
	Save(ctx context.Context, owner string, e *mail.Email) error
	Get(ctx context.Context, owner, folder, messageID string) (*mail.Email, error)
	Delete(ctx context.Context, owner, folder, messageID string) error
}

// RuleApplier runs a user's auto-filter rules.
type RuleApplier interface {
	Apply(ctx context.Context, owner string, e *mail.Email) (*mail.Email, error)
}

// Attachments gates attachment references.
type Attachments interface {
	RequireAcknowledged(ctx context.Context, refs []mail.AttachmentRef) error
	GrantAccess(ctx context.Context, id string, addrs ...string) error
}

// UserDirectory resolves local users by username or address.
type UserDirectory interface {
	Lookup(ctx context.Context, usernameOrAddress string) (directory.User, error)
}

// MessageFinder finds a message in any folder.
type MessageFinder interface {
	Get(ctx context.Context, owner, messageID string) (*mail.Email, error)
}

// Pipeline holds the collaborators of the delivery pipeline. Events, NewID,
// ForwardMaxDepth and Now fall back to defaults when unset.
type Pipeline struct {
	Store       Store
	Rules       RuleApplier
	Attachments Attachments
	Users       UserDirectory
	Messages    MessageFinder
	Events      EventBus

	NewID           func() string
	Domain          string
	ForwardMaxDepth int
	SanitizeBodies  bool
	Now             func() time.Time
}

// Result reports the outcome of a send.
type Result struct {
	MessageID string            `json:"messageId"`
	Delivered int               `json:"delivered"`
	Failed    int               `json:"failed"`
	Failures  map[string]string `json:"failures,omitempty"`
}

func (p *Pipeline) events() EventBus {
	if p.Events == nil {
		return NopEventBus{}
	}
	return p.Events
}

func (p *Pipeline) newID() string {
	if p.NewID == nil {
		return idgen.New()
	}
	return p.NewID()
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Pipeline) maxDepth() int {
	if p.ForwardMaxDepth <= 0 {
		return 3
	}
	return p.ForwardMaxDepth
}

// sender returns the directory entry of owner, or a synthesized one when
// the directory does not know the owner. Username is the mailbox key every
// sender-side read and write uses, whatever form owner arrived in.
func (p *Pipeline) sender(ctx context.Context, owner string) (directory.User, error) {
	u, err := p.Users.Lookup(ctx, owner)
	if err == nil {
		return u, nil
	}
	if errors.Is(err, consts.ErrNotFound) {
		address := helpers.QualifyAddress(owner, p.Domain)
		username := address
		if local, domain := helpers.SplitEmailAddress(address); strings.EqualFold(domain, p.Domain) {
			username = local
		}
		return directory.User{Username: username, Address: address}, nil
	}
	return directory.User{}, err
}

// resolveRecipients maps every address to a local user, rejecting the
// sender and unknown addresses. Duplicates are delivered once.
func (p *Pipeline) resolveRecipients(ctx context.Context, sender directory.User, to []string) ([]directory.User, error) {
	var out []directory.User
	seen := make(map[string]bool)
	for _, addr := range to {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if helpers.SameMailbox(addr, sender.Username, p.Domain) || strings.EqualFold(addr, sender.Address) {
			return nil, fmt.Errorf("%w: %s", consts.ErrSelfAddressed, addr)
		}
		u, err := p.Users.Lookup(ctx, addr)
		if errors.Is(err, consts.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", consts.ErrUnknownRecipient, addr)
		}
		if err != nil {
			return nil, err
		}
		if u.Username == sender.Username {
			return nil, fmt.Errorf("%w: %s", consts.ErrSelfAddressed, addr)
		}
		if seen[u.Username] {
			continue
		}
		seen[u.Username] = true
		out = append(out, u)
	}
	return out, nil
}

func (p *Pipeline) prepareBody(d mail.Draft) mail.Draft {
	if p.SanitizeBodies {
		d.Body = helpers.SanitizeHTML(d.Body)
	}
	return d
}

// Send delivers a new message from owner.
func (p *Pipeline) Send(ctx context.Context, owner string, d mail.Draft) (Result, error) {
	return p.send(ctx, "send", owner, d, "", 0)
}

func (p *Pipeline) send(ctx context.Context, kind, owner string, d mail.Draft, messageID string, depth int) (Result, error) {
	res, err := p.doSend(ctx, owner, d, messageID, depth)
	switch {
	case err != nil:
		metrics.DeliveriesTotal.WithLabelValues(kind, "rejected").Inc()
		logger.Warn("DELIVERY: send rejected", "kind", kind, "owner", owner, "error", err)
	case res.Failed > 0:
		metrics.DeliveriesTotal.WithLabelValues(kind, "partial").Inc()
	default:
		metrics.DeliveriesTotal.WithLabelValues(kind, "success").Inc()
	}
	return res, err
}

func (p *Pipeline) doSend(ctx context.Context, owner string, d mail.Draft, messageID string, depth int) (Result, error) {
	if err := mail.ValidateForSend(d); err != nil {
		return Result{}, err
	}
	if err := p.Attachments.RequireAcknowledged(ctx, d.Attachments); err != nil {
		return Result{}, err
	}
	sender, err := p.sender(ctx, owner)
	if err != nil {
		return Result{}, err
	}
	recipients, err := p.resolveRecipients(ctx, sender, d.To)
	if err != nil {
		return Result{}, err
	}

	if messageID == "" {
		messageID = p.newID()
	}
	sent := mail.NewEmail(messageID, sender.Address, p.prepareBody(d), consts.FolderSent, p.now())

	own, err := p.Rules.Apply(ctx, sender.Username, sent)
	if err != nil {
		logger.Warn("DELIVERY: sender rules not applied", "owner", sender.Username, "message_id", messageID, "error", err)
	}
	own.ForwardedTo = nil
	if err := p.Store.Save(ctx, sender.Username, own); err != nil {
		return Result{}, fmt.Errorf("failed to store sent copy: %w", err)
	}

	addrs := make([]string, 0, len(recipients))
	for _, r := range recipients {
		addrs = append(addrs, r.Address)
	}
	for _, ref := range sent.Attachments {
		if err := p.Attachments.GrantAccess(ctx, ref.ID, addrs...); err != nil {
			logger.Warn("DELIVERY: failed to grant attachment access", "attachment_id", ref.ID, "message_id", messageID, "error", err)
		}
	}

	res := Result{MessageID: messageID}
	var notified []string
	for _, r := range recipients {
		if err := p.deliver(ctx, sent, r, depth); err != nil {
			res.Failed++
			if res.Failures == nil {
				res.Failures = make(map[string]string)
			}
			res.Failures[r.Address] = err.Error()
			metrics.RecipientDeliveryFailures.WithLabelValues("storage").Inc()
			logger.Error("DELIVERY: failed to deliver to recipient", "message_id", messageID, "recipient", r.Address, "error", err)
			continue
		}
		res.Delivered++
		notified = append(notified, r.Username)
	}

	if len(notified) > 0 {
		p.events().Publish(ctx, Notification{Kind: EventReceived, Owners: notified, MessageID: messageID})
	}
	logger.Info("DELIVERY: message sent", "owner", sender.Username, "message_id", messageID,
		"recipients", len(recipients), "delivered", res.Delivered, "failed", res.Failed)
	return res, nil
}

// deliver stores the inbox copy for one recipient and follows forward rules.
func (p *Pipeline) deliver(ctx context.Context, sent *mail.Email, rcpt directory.User, depth int) error {
	in := sent.Clone()
	in.Folder = consts.FolderInbox
	in.OriginalFolder = ""
	in.DeletedAt = nil
	in.IsRead = false
	in.IsStarred = false
	in.IsDraft = false
	in.Version = 0

	filtered, err := p.Rules.Apply(ctx, rcpt.Username, in)
	if err != nil {
		logger.Warn("DELIVERY: recipient rules not applied", "recipient", rcpt.Username, "message_id", in.MessageID, "error", err)
	}
	forwardTo := filtered.ForwardedTo
	if len(forwardTo) > 0 {
		filtered = filtered.Clone()
		filtered.ForwardedTo = nil
	}
	if err := p.Store.Save(ctx, rcpt.Username, filtered); err != nil {
		return err
	}
	if len(forwardTo) > 0 {
		p.forwardByRule(ctx, rcpt.Username, in, forwardTo, depth+1)
	}
	return nil
}

// forwardByRule re-sends e on behalf of owner. Failures are logged and
// counted; they never fail the delivery that triggered them.
func (p *Pipeline) forwardByRule(ctx context.Context, owner string, e *mail.Email, to []string, depth int) {
	if depth > p.maxDepth() {
		metrics.RecipientDeliveryFailures.WithLabelValues("forward_depth").Inc()
		logger.Warn("DELIVERY: forward chain too deep, not forwarding", "owner", owner, "message_id", e.MessageID, "depth", depth)
		return
	}
	res, err := p.send(ctx, "forward_rule", owner, forwardDraft(e, to), "", depth)
	if err != nil {
		metrics.RecipientDeliveryFailures.WithLabelValues("forward").Inc()
		logger.Warn("DELIVERY: forward rule failed", "owner", owner, "message_id", e.MessageID, "to", to, "error", err)
		return
	}
	metrics.ForwardedMessagesTotal.Inc()
	logger.Info("DELIVERY: forwarded by rule", "owner", owner, "original_id", e.MessageID, "message_id", res.MessageID, "to", to)
}

// Forward sends a copy of one of owner's messages to new recipients.
func (p *Pipeline) Forward(ctx context.Context, owner, messageID string, to []string) (Result, error) {
	sender, err := p.sender(ctx, owner)
	if err != nil {
		return Result{}, err
	}
	orig, err := p.Messages.Get(ctx, sender.Username, messageID)
	if err != nil {
		return Result{}, err
	}
	return p.send(ctx, "forward", sender.Username, forwardDraft(orig, to), "", 0)
}

// SaveDraft stores a draft. An empty draftID creates a new draft; otherwise
// the existing draft is overwritten.
func (p *Pipeline) SaveDraft(ctx context.Context, owner string, d mail.Draft, draftID string) (*mail.Email, error) {
	sender, err := p.sender(ctx, owner)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("draft", "rejected").Inc()
		return nil, err
	}
	e, err := p.saveDraft(ctx, sender, d, draftID)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues("draft", "rejected").Inc()
		return nil, err
	}
	metrics.DeliveriesTotal.WithLabelValues("draft", "success").Inc()
	p.events().Publish(ctx, Notification{Kind: EventDraft, Owners: []string{sender.Username}, MessageID: e.MessageID})
	return e, nil
}

func (p *Pipeline) saveDraft(ctx context.Context, sender directory.User, d mail.Draft, draftID string) (*mail.Email, error) {
	if err := p.Attachments.RequireAcknowledged(ctx, d.Attachments); err != nil {
		return nil, err
	}
	owner := sender.Username
	if _, err := p.resolveRecipients(ctx, sender, d.To); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(draftID)
	if id == "" {
		id = p.newID()
	} else if _, err := p.Store.Get(ctx, owner, consts.FolderDrafts, id); err != nil {
		return nil, err
	}

	draft := mail.NewEmail(id, sender.Address, p.prepareBody(d), consts.FolderDrafts, p.now())
	if err := p.Store.Save(ctx, owner, draft); err != nil {
		return nil, err
	}
	logger.Info("DELIVERY: draft saved", "owner", owner, "message_id", id)
	return draft, nil
}

// SendDraft sends a stored draft under its own message id and removes it
// from drafts. A draft that fails validation stays in drafts.
func (p *Pipeline) SendDraft(ctx context.Context, owner, draftID string) (Result, error) {
	sender, err := p.sender(ctx, owner)
	if err != nil {
		return Result{}, err
	}
	owner = sender.Username
	draft, err := p.Store.Get(ctx, owner, consts.FolderDrafts, draftID)
	if err != nil {
		return Result{}, err
	}
	d := mail.Draft{
		To:          draft.To,
		Subject:     draft.Subject,
		Body:        draft.Body,
		Priority:    draft.Priority,
		Attachments: draft.Attachments,
	}
	res, err := p.send(ctx, "send_draft", owner, d, draft.MessageID, 0)
	if err != nil {
		return Result{}, err
	}
	if err := p.Store.Delete(ctx, owner, consts.FolderDrafts, draftID); err != nil {
		metrics.CriticalOperationFailures.WithLabelValues("draft_remove").Inc()
		logger.Error("DELIVERY: sent draft but failed to remove it from drafts", "owner", owner, "message_id", draftID, "error", err)
	}
	return res, nil
}
