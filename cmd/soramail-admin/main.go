package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/migadu/soramail/admission"
	"github.com/migadu/soramail/app"
	"github.com/migadu/soramail/config"
	"github.com/migadu/soramail/contacts"
	"github.com/migadu/soramail/helpers"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/mail"
	"github.com/migadu/soramail/rules"
)

// command is one admin subcommand. flags declares its options on the
// command's flag set; run executes it against the opened services.
type command struct {
	name  string
	usage string
	flags func(fs *flag.FlagSet)
	run   func(ctx context.Context, svc *app.Services) error
}

var commands = []command{
	{"add-user", "Register a local user", userFlagSet, cmdAddUser},
	{"list-users", "List local users", nil, cmdListUsers},
	{"send", "Send a message on behalf of a user", sendFlagSet, cmdSend},
	{"upload", "Admit an attachment file", uploadFlagSet, cmdUpload},
	{"folders", "List a user's folders with counts", ownerFlagSet, cmdFolders},
	{"purge-trash", "Permanently remove expired trash of a user", purgeFlagSet, cmdPurgeTrash},
	{"add-rule", "Append a filter rule", ruleFlagSet, cmdAddRule},
	{"list-rules", "List a user's filter rules", ownerFlagSet, cmdListRules},
	{"export-sieve", "Print a user's rules as a Sieve script", ownerFlagSet, cmdExportSieve},
	{"add-contact", "Add an address book entry", contactFlagSet, cmdAddContact},
	{"search-contacts", "Search a user's address book", searchFlagSet, cmdSearchContacts},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "help" || name == "--help" || name == "-h" {
		printUsage()
		return
	}

	for _, c := range commands {
		if c.name != name {
			continue
		}
		fs := flag.NewFlagSet(c.name, flag.ExitOnError)
		configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
		if err := run(c, fs, configPath, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("Unknown command: %s\n\n", name)
	printUsage()
	os.Exit(1)
}

// run parses the flags of c, opens the services and executes c.
func run(c command, fs *flag.FlagSet, configPath *string, args []string) error {
	if c.flags != nil {
		c.flags(fs)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil && !(os.IsNotExist(err) && *configPath == "config.toml") {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Warning initializing logger: %v\n", err)
	}
	// Command output goes to stdout; keep the log quiet unless something is wrong.
	_ = logger.SetLevel("warn")

	ctx := context.Background()
	svc, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return c.run(ctx, svc)
}

func printUsage() {
	fmt.Printf("SORAMAIL Admin Tool\n\nUsage:\n  soramail-admin <command> [options]\n\nCommands:\n")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(w, "  %s\t%s\n", c.name, c.usage)
	}
	w.Flush()
	fmt.Printf(`
Examples:
  soramail-admin add-user --username alice
  soramail-admin send --from alice --to bob@example.com --subject "Hi" --body "<p>Hello</p>"
  soramail-admin add-rule --owner bob --property subject --matcher contains --value invoice --action move --folder Finance
  soramail-admin export-sieve --owner bob

Use 'soramail-admin <command> --help' for more information about a command.
`)
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}

var (
	userFlags struct{ username, address string }
	sendFlags struct {
		from, subject, body, bodyFile string
		to, attach                    stringList
		priority                      int
	}
	uploadFlags  struct{ owner, file, mimeType string }
	ownerFlag    string
	purgeFlags   struct{ owner, retention string }
	ruleFlags    rules.Rule
	ruleFwd      stringList
	contactFlags struct{ owner, name, email, keyword, in, sortBy string }
)

func userFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&userFlags.username, "username", "", "Username (required)")
	fs.StringVar(&userFlags.address, "address", "", "Address (defaults to username@domain)")
}

func sendFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&sendFlags.from, "from", "", "Sending user (required)")
	fs.Var(&sendFlags.to, "to", "Recipient address, repeatable (required)")
	fs.StringVar(&sendFlags.subject, "subject", "", "Subject (required)")
	fs.StringVar(&sendFlags.body, "body", "", "HTML body")
	fs.StringVar(&sendFlags.bodyFile, "body-file", "", "Read the HTML body from a file")
	fs.Var(&sendFlags.attach, "attach", "Attachment id returned by 'upload', repeatable")
	fs.IntVar(&sendFlags.priority, "priority", 0, "Priority 1-4 (default 3)")
}

func uploadFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&uploadFlags.owner, "owner", "", "Uploading user (required)")
	fs.StringVar(&uploadFlags.file, "file", "", "File to upload (required)")
	fs.StringVar(&uploadFlags.mimeType, "mime", "", "MIME type (derived from the extension if empty)")
}

func ownerFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&ownerFlag, "owner", "", "Mailbox owner (required)")
}

func purgeFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&purgeFlags.owner, "owner", "", "Mailbox owner (required)")
	fs.StringVar(&purgeFlags.retention, "retention", "", "Retention, e.g. 30d (defaults to cleanup.trash_retention)")
}

func ruleFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&ownerFlag, "owner", "", "Rule owner (required)")
	fs.StringVar(&ruleFlags.Name, "name", "", "Rule name")
	fs.StringVar(&ruleFlags.Property, "property", "", "subject, body, from, to, receiver or composite")
	fs.StringVar(&ruleFlags.Matcher, "matcher", "", "contains, startswith, endswith, exactly or complex")
	fs.StringVar(&ruleFlags.Value, "value", "", "Value to match")
	fs.StringVar(&ruleFlags.Action, "action", "", "move, star, delete, markread or forward")
	fs.StringVar(&ruleFlags.NewFolder, "folder", "", "Target folder of a move rule")
	fs.Var(&ruleFwd, "forward", "Forward address, repeatable")
}

func contactFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&contactFlags.owner, "owner", "", "Address book owner (required)")
	fs.StringVar(&contactFlags.name, "name", "", "Contact name (required)")
	fs.StringVar(&contactFlags.email, "email", "", "Contact address (required)")
}

func searchFlagSet(fs *flag.FlagSet) {
	fs.StringVar(&contactFlags.owner, "owner", "", "Address book owner (required)")
	fs.StringVar(&contactFlags.keyword, "keyword", "", "Search keyword")
	fs.StringVar(&contactFlags.in, "in", "all", "Field to search: name, email or all")
	fs.StringVar(&contactFlags.sortBy, "sort", "name", "Sort by name or date")
}

func cmdAddUser(ctx context.Context, svc *app.Services) error {
	if err := required("username", userFlags.username); err != nil {
		return err
	}
	if err := svc.Users.Add(ctx, userFlags.username, userFlags.address); err != nil {
		return err
	}
	u, err := svc.Users.Lookup(ctx, userFlags.username)
	if err != nil {
		return err
	}
	fmt.Printf("User %s added with address %s\n", u.Username, u.Address)
	return nil
}

func cmdListUsers(ctx context.Context, svc *app.Services) error {
	users, err := svc.Users.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tADDRESS")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\n", u.Username, u.Address)
	}
	return w.Flush()
}

func cmdSend(ctx context.Context, svc *app.Services) error {
	if err := required("from", sendFlags.from); err != nil {
		return err
	}
	body := sendFlags.body
	if sendFlags.bodyFile != "" {
		data, err := os.ReadFile(sendFlags.bodyFile)
		if err != nil {
			return fmt.Errorf("failed to read body file: %w", err)
		}
		body = string(data)
	}

	d := mail.Draft{
		To:       sendFlags.to,
		Subject:  sendFlags.subject,
		Body:     body,
		Priority: sendFlags.priority,
	}
	for _, id := range sendFlags.attach {
		meta, err := svc.Attachments.Metadata(ctx, id)
		if err != nil {
			return fmt.Errorf("attachment %s: %w", id, err)
		}
		d.Attachments = append(d.Attachments, meta.Ref())
	}

	res, err := svc.Delivery.Send(ctx, sendFlags.from, d)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdUpload(ctx context.Context, svc *app.Services) error {
	if err := required("owner", uploadFlags.owner); err != nil {
		return err
	}
	if err := required("file", uploadFlags.file); err != nil {
		return err
	}
	f, err := os.Open(uploadFlags.file)
	if err != nil {
		return err
	}
	defer f.Close()

	name := filepath.Base(uploadFlags.file)
	mimeType := uploadFlags.mimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	meta, err := svc.Attachments.Upload(ctx, admission.Upload{
		FileName: name,
		MimeType: mimeType,
		Owner:    uploadFlags.owner,
		Body:     f,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Uploaded %s (%s, %s)\n", meta.FileName, meta.MimeType, humanize.Bytes(uint64(meta.Size)))
	return printJSON(meta)
}

func cmdFolders(ctx context.Context, svc *app.Services) error {
	if err := required("owner", ownerFlag); err != nil {
		return err
	}
	folders, err := svc.Mailbox.Folders(ctx, ownerFlag)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tTOTAL\tUNREAD")
	for _, f := range folders {
		fmt.Fprintf(w, "%s\t%d\t%d\n", f.Name, f.Total, f.Unread)
	}
	return w.Flush()
}

func cmdPurgeTrash(ctx context.Context, svc *app.Services) error {
	if err := required("owner", purgeFlags.owner); err != nil {
		return err
	}
	retention, err := svc.Config.Cleanup.GetTrashRetention()
	if err != nil {
		return err
	}
	if purgeFlags.retention != "" {
		if retention, err = helpers.ParseDuration(purgeFlags.retention); err != nil {
			return err
		}
	}
	n, err := svc.Mailbox.PurgeTrash(ctx, purgeFlags.owner, retention)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d messages from %s's trash\n", n, purgeFlags.owner)
	return nil
}

func cmdAddRule(ctx context.Context, svc *app.Services) error {
	if err := required("owner", ownerFlag); err != nil {
		return err
	}
	ruleFlags.ForwardedTo = ruleFwd
	r, err := svc.Rules.Create(ctx, ownerFlag, ruleFlags)
	if err != nil {
		return err
	}
	return printJSON(r)
}

func cmdListRules(ctx context.Context, svc *app.Services) error {
	if err := required("owner", ownerFlag); err != nil {
		return err
	}
	list, err := svc.Rules.List(ctx, ownerFlag)
	if err != nil {
		return err
	}
	return printJSON(list)
}

func cmdExportSieve(ctx context.Context, svc *app.Services) error {
	if err := required("owner", ownerFlag); err != nil {
		return err
	}
	list, err := svc.Rules.List(ctx, ownerFlag)
	if err != nil {
		return err
	}
	script, err := rules.ExportSieve(list)
	if err != nil {
		return err
	}
	fmt.Print(script)
	return nil
}

func cmdAddContact(ctx context.Context, svc *app.Services) error {
	c, err := svc.Contacts.Add(ctx, contactFlags.owner, contacts.Contact{Name: contactFlags.name, Email: contactFlags.email})
	if err != nil {
		return err
	}
	return printJSON(c)
}

func cmdSearchContacts(ctx context.Context, svc *app.Services) error {
	list, err := svc.Contacts.Search(ctx, contactFlags.owner, contactFlags.keyword, contactFlags.in, contactFlags.sortBy)
	if err != nil {
		return err
	}
	return printJSON(list)
}
