// Package directory answers which local users exist and maps addresses to
// mailbox owners.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/migadu/soramail/consts"
	"github.com/migadu/soramail/helpers"
	"github.com/migadu/soramail/logger"
	_ "modernc.org/sqlite"
)

// User is one local mailbox owner.
type User struct {
	Username string `json:"username" db:"username"`
	Address  string `json:"address" db:"address"`
}

// SQLiteDirectory keeps users in a sqlite table.
type SQLiteDirectory struct {
	db     *sqlx.DB
	domain string
}

// OpenSQLite opens (creating if needed) the directory database at path.
// Bare usernames are qualified with domain.
func OpenSQLite(path, domain string) (*SQLiteDirectory, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("directory path cannot be empty")
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory DB: %w", err)
	}
	// Writes are serialized through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("DIRECTORY: failed to set PRAGMA journal_mode = WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY COLLATE NOCASE,
		address TEXT NOT NULL UNIQUE COLLATE NOCASE
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create directory schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory DB ping failed: %w", err)
	}
	return &SQLiteDirectory{db: db, domain: domain}, nil
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// Add registers a user. An empty address defaults to username@domain.
func (d *SQLiteDirectory) Add(ctx context.Context, username, address string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.Contains(username, "@") {
		return consts.Validation("invalid username %q", username)
	}
	if strings.TrimSpace(address) == "" {
		address = helpers.QualifyAddress(username, d.domain)
	}
	address = strings.ToLower(strings.TrimSpace(address))

	_, err := d.db.ExecContext(ctx, `INSERT INTO users (username, address) VALUES (?, ?)`, username, address)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return consts.Validation("user %s or address %s already exists", username, address)
		}
		return fmt.Errorf("%w: add user %s: %v", consts.ErrStorage, username, err)
	}
	logger.Info("DIRECTORY: user added", "username", username, "address", address)
	return nil
}

// Lookup resolves a username or an address.
func (d *SQLiteDirectory) Lookup(ctx context.Context, usernameOrAddress string) (User, error) {
	key := strings.TrimSpace(usernameOrAddress)
	var u User
	err := d.db.GetContext(ctx, &u,
		`SELECT username, address FROM users WHERE username = ? OR address = ? LIMIT 1`,
		key, key)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("user %q: %w", key, consts.ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: lookup %s: %v", consts.ErrStorage, key, err)
	}
	return u, nil
}

// Exists reports whether a user with that username or address exists.
func (d *SQLiteDirectory) Exists(ctx context.Context, usernameOrAddress string) (bool, error) {
	_, err := d.Lookup(ctx, usernameOrAddress)
	if errors.Is(err, consts.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Owners lists every username.
func (d *SQLiteDirectory) Owners(ctx context.Context) ([]string, error) {
	var owners []string
	if err := d.db.SelectContext(ctx, &owners, `SELECT username FROM users ORDER BY username`); err != nil {
		return nil, fmt.Errorf("%w: list owners: %v", consts.ErrStorage, err)
	}
	return owners, nil
}

// List returns every user ordered by username.
func (d *SQLiteDirectory) List(ctx context.Context) ([]User, error) {
	var users []User
	if err := d.db.SelectContext(ctx, &users, `SELECT username, address FROM users ORDER BY username`); err != nil {
		return nil, fmt.Errorf("%w: list users: %v", consts.ErrStorage, err)
	}
	return users, nil
}

// Count implements metrics.UserCountProvider.
func (d *SQLiteDirectory) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("%w: count users: %v", consts.ErrStorage, err)
	}
	return n, nil
}

// StaticDirectory is an in-memory directory.
type StaticDirectory struct {
	mu     sync.RWMutex
	domain string
	users  map[string]User // keyed by lower-case username
}

// NewStatic returns a directory holding usernames qualified with domain.
func NewStatic(domain string, usernames ...string) *StaticDirectory {
	d := &StaticDirectory{domain: domain, users: make(map[string]User)}
	for _, name := range usernames {
		_ = d.Add(context.Background(), name, "")
	}
	return d
}

func (d *StaticDirectory) Add(ctx context.Context, username, address string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.Contains(username, "@") {
		return consts.Validation("invalid username %q", username)
	}
	if strings.TrimSpace(address) == "" {
		address = helpers.QualifyAddress(username, d.domain)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.users[username]; dup {
		return consts.Validation("user %s already exists", username)
	}
	d.users[username] = User{Username: username, Address: strings.ToLower(strings.TrimSpace(address))}
	return nil
}

func (d *StaticDirectory) Lookup(ctx context.Context, usernameOrAddress string) (User, error) {
	key := strings.ToLower(strings.TrimSpace(usernameOrAddress))
	d.mu.RLock()
	defer d.mu.RUnlock()
	if u, ok := d.users[key]; ok {
		return u, nil
	}
	for _, u := range d.users {
		if u.Address == key {
			return u, nil
		}
	}
	return User{}, fmt.Errorf("user %q: %w", key, consts.ErrNotFound)
}

func (d *StaticDirectory) Exists(ctx context.Context, usernameOrAddress string) (bool, error) {
	_, err := d.Lookup(ctx, usernameOrAddress)
	return err == nil, nil
}

func (d *StaticDirectory) Owners(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owners := make([]string, 0, len(d.users))
	for name := range d.users {
		owners = append(owners, name)
	}
	sort.Strings(owners)
	return owners, nil
}

func (d *StaticDirectory) List(ctx context.Context) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	users := make([]User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (d *StaticDirectory) Count(ctx context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users), nil
}
