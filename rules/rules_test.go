package rules

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/helpers"
	"github.com/migadu/soramail/mail"
	"github.com/migadu/soramail/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

type staticRules []Rule

func (s staticRules) List(ctx context.Context, owner string) ([]Rule, error) {
	return s, nil
}

type failingRules struct{}

func (failingRules) List(ctx context.Context, owner string) ([]Rule, error) {
	return nil, errors.New("disk on fire")
}

var fixedNow = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newEngine(list ...Rule) *Engine {
	en := NewEngine(staticRules(list), helpers.HTMLTextExtractor{})
	en.Now = func() time.Time { return fixedNow }
	return en
}

func incoming() *mail.Email {
	return &mail.Email{
		MessageID: "m1",
		From:      "Billing@Vendor.com",
		To:        []string{"alice@example.com", "team@example.com"},
		Subject:   "Q3 Invoice",
		Body:      "<p>Your <b>invoice</b> is attached</p>",
		Timestamp: fixedNow,
		Priority:  3,
		Folder:    consts.FolderInbox,
	}
}

func TestInvoiceRuleMovesToFinance(t *testing.T) {
	en := newEngine(Rule{ID: "r1", Property: "subject", Matcher: "contains", Value: "invoice", Action: "move", NewFolder: "Finance"})

	in := incoming()
	out, err := en.Apply(context.Background(), "alice", in)
	require.NoError(t, err)
	assert.Equal(t, "Finance", out.Folder)
	assert.Nil(t, out.DeletedAt)
	assert.Equal(t, consts.FolderInbox, in.Folder, "input is not modified")
}

func TestFirstMatchWins(t *testing.T) {
	en := newEngine(
		Rule{ID: "r1", Property: "from", Matcher: "endsWith", Value: "vendor.com", Action: "star"},
		Rule{ID: "r2", Property: "subject", Matcher: "contains", Value: "invoice", Action: "move", NewFolder: "Finance"},
	)
	out, err := en.Apply(context.Background(), "alice", incoming())
	require.NoError(t, err)
	assert.True(t, out.IsStarred)
	assert.Equal(t, consts.FolderInbox, out.Folder)
}

func TestNoMatchReturnsInput(t *testing.T) {
	en := newEngine(Rule{ID: "r1", Property: "subject", Matcher: "exactly", Value: "invoice", Action: "star"})
	in := incoming()
	out, err := en.Apply(context.Background(), "alice", in)
	require.NoError(t, err)
	assert.Same(t, in, out)
}

func TestMatchers(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
		want bool
	}{
		{"contains ignores case", Rule{Property: "subject", Matcher: "contains", Value: "INVOICE"}, true},
		{"startsWith", Rule{Property: "subject", Matcher: "startsWith", Value: "q3"}, true},
		{"startsWith miss", Rule{Property: "subject", Matcher: "startsWith", Value: "invoice"}, false},
		{"endsWith", Rule{Property: "from", Matcher: "EndsWith", Value: "@vendor.com"}, true},
		{"exactly", Rule{Property: "subject", Matcher: "exactly", Value: "q3 invoice"}, true},
		{"exactly miss", Rule{Property: "subject", Matcher: "exactly", Value: "q3"}, false},
		{"body uses plain text", Rule{Property: "body", Matcher: "contains", Value: "invoice is attached"}, true},
		{"body ignores markup", Rule{Property: "body", Matcher: "contains", Value: "<b>"}, false},
		{"receiver any-of", Rule{Property: "receiver", Matcher: "startsWith", Value: "team@"}, true},
		{"to alias", Rule{Property: "to", Matcher: "exactly", Value: "alice@example.com"}, true},
		{"unknown property", Rule{Property: "cc", Matcher: "contains", Value: "a"}, false},
		{"unknown matcher", Rule{Property: "subject", Matcher: "regex", Value: ".*"}, false},
		{"complex all clauses", Rule{Property: "composite", Matcher: "complex", Value: "from:vendor; subject:invoice; to:team"}, true},
		{"complex one clause fails", Rule{Property: "composite", Matcher: "complex", Value: "from:vendor;subject:receipt"}, false},
		{"complex skips malformed clause", Rule{Property: "composite", Matcher: "complex", Value: "garbage;subject:invoice"}, true},
		{"complex without usable clause", Rule{Property: "composite", Matcher: "complex", Value: "garbage"}, false},
		{"complex body clause", Rule{Property: "composite", Matcher: "complex", Value: "body:is attached"}, true},
		{"composite needs complex", Rule{Property: "composite", Matcher: "contains", Value: "invoice"}, false},
		{"complex on scalar", Rule{Property: "subject", Matcher: "complex", Value: "subject:invoice"}, false},
	}
	en := newEngine()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, en.Matches(tc.rule, incoming()))
		})
	}
}

func TestActions(t *testing.T) {
	ctx := context.Background()
	base := Rule{ID: "r", Property: "subject", Matcher: "contains", Value: "invoice"}

	withAction := func(action string, mutate func(*Rule)) *mail.Email {
		r := base
		r.Action = action
		if mutate != nil {
			mutate(&r)
		}
		out, err := newEngine(r).Apply(ctx, "alice", incoming())
		require.NoError(t, err)
		return out
	}

	deleted := withAction("delete", nil)
	assert.Equal(t, consts.FolderTrash, deleted.Folder)
	require.NotNil(t, deleted.DeletedAt)
	assert.True(t, deleted.DeletedAt.Equal(fixedNow))
	assert.Equal(t, consts.FolderInbox, deleted.OriginalFolder)

	assert.True(t, withAction("markRead", nil).IsRead)
	assert.True(t, withAction("STAR", nil).IsStarred)

	fwd := withAction("forward", func(r *Rule) { r.ForwardedTo = []string{"carol@example.com"} })
	assert.Equal(t, []string{"carol@example.com"}, fwd.ForwardedTo)
	assert.Equal(t, consts.FolderInbox, fwd.Folder)

	moved := withAction("move", func(r *Rule) { r.NewFolder = "trash" })
	assert.NotNil(t, moved.DeletedAt, "moving into trash keeps the trash invariant")
}

type folderList []string

func (f folderList) Folders(ctx context.Context, owner string) ([]string, error) {
	return f, nil
}

func TestMoveTargetResolvesExistingFolder(t *testing.T) {
	ctx := context.Background()
	move := func(folder string) string {
		en := newEngine(Rule{ID: "r", Property: "subject", Matcher: "contains", Value: "invoice", Action: "move", NewFolder: folder})
		en.Folders = folderList{"inbox", "sent", "drafts", "trash", "Finance"}
		out, err := en.Apply(ctx, "bob", incoming())
		require.NoError(t, err)
		return out.Folder
	}

	assert.Equal(t, "Finance", move("finance"))
	assert.Equal(t, "Finance", move(" FINANCE "))
	assert.Equal(t, consts.FolderInbox, move("INBOX"))
	assert.Equal(t, consts.FolderSent, move("Sent"))
	assert.Equal(t, "Receipts", move("Receipts"), "an unknown custom folder is used as given")
}

func TestMoveTargetWithoutFolderLister(t *testing.T) {
	en := newEngine(Rule{ID: "r", Property: "subject", Matcher: "contains", Value: "invoice", Action: "move", NewFolder: "Drafts"})
	out, err := en.Apply(context.Background(), "bob", incoming())
	require.NoError(t, err)
	assert.Equal(t, consts.FolderDrafts, out.Folder)
}

func TestUnknownActionIsSkipped(t *testing.T) {
	before := testutil.ToFloat64(metrics.RulesSkippedTotal.WithLabelValues("unknown_action"))
	en := newEngine(
		Rule{ID: "r1", Property: "subject", Matcher: "contains", Value: "invoice", Action: "explode"},
		Rule{ID: "r2", Property: "subject", Matcher: "contains", Value: "invoice", Action: "markRead"},
	)
	out, err := en.Apply(context.Background(), "alice", incoming())
	require.NoError(t, err)
	assert.True(t, out.IsRead)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RulesSkippedTotal.WithLabelValues("unknown_action")))
}

func TestApplyKeepsEmailWhenRulesCannotLoad(t *testing.T) {
	en := NewEngine(failingRules{}, helpers.HTMLTextExtractor{})
	in := incoming()
	out, err := en.Apply(context.Background(), "alice", in)
	assert.Error(t, err)
	assert.Same(t, in, out)
}

func TestValidate(t *testing.T) {
	ok := Rule{Property: "subject", Matcher: "contains", Value: "x", Action: "star"}
	require.NoError(t, ok.Validate())

	cases := map[string]Rule{
		"empty property":      {Matcher: "contains", Value: "x", Action: "star"},
		"empty matcher":       {Property: "subject", Value: "x", Action: "star"},
		"empty value":         {Property: "subject", Matcher: "contains", Value: "  ", Action: "star"},
		"unknown property":    {Property: "cc", Matcher: "contains", Value: "x", Action: "star"},
		"unknown action":      {Property: "subject", Matcher: "contains", Value: "x", Action: "explode"},
		"move without folder": {Property: "subject", Matcher: "contains", Value: "x", Action: "move"},
		"move to bad folder":  {Property: "subject", Matcher: "contains", Value: "x", Action: "move", NewFolder: "a/b"},
		"forward without to":  {Property: "subject", Matcher: "contains", Value: "x", Action: "forward"},
		"complex on scalar":   {Property: "subject", Matcher: "complex", Value: "x:y", Action: "star"},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			err := r.Validate()
			assert.ErrorIs(t, err, consts.ErrInvalidRule)
			assert.ErrorIs(t, err, consts.ErrValidation)
		})
	}

	sys := Rule{Property: "subject", Matcher: "contains", Value: "x", Action: "move", NewFolder: "Sent"}
	assert.NoError(t, sys.Validate())
}

func newBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "rules.db"), 0600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewBoltStore(db)
	require.NoError(t, err)
	return s
}

func TestBoltStoreCRUD(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	empty, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, empty)

	r1, err := s.Create(ctx, "alice", Rule{Name: "invoices", Property: "subject", Matcher: "contains", Value: "invoice", Action: "move", NewFolder: "Finance"})
	require.NoError(t, err)
	assert.Regexp(t, `^filter-[0-9a-f]{8}$`, r1.ID)

	r2, err := s.Create(ctx, "alice", Rule{Name: "boss", Property: "from", Matcher: "exactly", Value: "boss@example.com", Action: "star"})
	require.NoError(t, err)

	_, err = s.Create(ctx, "alice", Rule{Property: "subject"})
	assert.ErrorIs(t, err, consts.ErrInvalidRule)

	list, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, r1.ID, list[0].ID)

	r2.Value = "ceo@example.com"
	_, err = s.Update(ctx, "alice", r2.ID, r2)
	require.NoError(t, err)
	got, err := s.Get(ctx, "alice", r2.ID)
	require.NoError(t, err)
	assert.Equal(t, "ceo@example.com", got.Value)

	_, err = s.Update(ctx, "alice", "filter-missing", r2)
	assert.ErrorIs(t, err, consts.ErrRuleNotFound)

	require.NoError(t, s.Reorder(ctx, "alice", []string{r2.ID, r1.ID}))
	list, err = s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{r2.ID, r1.ID}, []string{list[0].ID, list[1].ID})

	assert.ErrorIs(t, s.Reorder(ctx, "alice", []string{r1.ID}), consts.ErrValidation)
	assert.ErrorIs(t, s.Reorder(ctx, "alice", []string{r1.ID, r1.ID}), consts.ErrValidation)

	require.NoError(t, s.Delete(ctx, "alice", r1.ID))
	assert.ErrorIs(t, s.Delete(ctx, "alice", r1.ID), consts.ErrNotFound)
	_, err = s.Get(ctx, "alice", r1.ID)
	assert.ErrorIs(t, err, consts.ErrRuleNotFound)

	other, err := s.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestEngineReadsFromBoltStore(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "alice", Rule{Property: "subject", Matcher: "contains", Value: "invoice", Action: "move", NewFolder: "Finance"})
	require.NoError(t, err)

	out, err := NewEngine(s, helpers.HTMLTextExtractor{}).Apply(ctx, "alice", incoming())
	require.NoError(t, err)
	assert.Equal(t, "Finance", out.Folder)
}

func TestExportSieve(t *testing.T) {
	script, err := ExportSieve([]Rule{
		{ID: "r1", Name: "invoices", Property: "subject", Matcher: "contains", Value: `say "invoice"`, Action: "move", NewFolder: "Finance"},
		{ID: "r2", Name: "vendors", Property: "from", Matcher: "endsWith", Value: "*vendor.com", Action: "star"},
		{ID: "r3", Name: "combo", Property: "composite", Matcher: "complex", Value: "from:boss;subject:urgent", Action: "forward", ForwardedTo: []string{"pager@example.com"}},
		{ID: "r4", Name: "body", Property: "body", Matcher: "contains", Value: "lottery", Action: "delete"},
		{ID: "r5", Name: "read", Property: "to", Matcher: "exactly", Value: "list@example.com", Action: "markRead"},
	})
	require.NoError(t, err)

	assert.Contains(t, script, `require ["fileinto", "imap4flags", "copy"];`)
	assert.Contains(t, script, `if header :contains "subject" "say \"invoice\"" {`)
	assert.Contains(t, script, `fileinto "Finance";`)
	assert.Contains(t, script, `address :matches "from" "*\\*vendor.com"`)
	assert.Contains(t, script, `allof(address :contains "from" "boss", header :contains "subject" "urgent")`)
	assert.Contains(t, script, `redirect :copy "pager@example.com";`)
	assert.Contains(t, script, "# body (r4)\n# not expressible in sieve, skipped")
	assert.Contains(t, script, `address :is "to" "list@example.com"`)
	assert.Contains(t, script, `addflag "\\Seen";`)
}

func TestExportSieveEmpty(t *testing.T) {
	script, err := ExportSieve(nil)
	require.NoError(t, err)
	assert.Equal(t, "keep;\n", script)
}
