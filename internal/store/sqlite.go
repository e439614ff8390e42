// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides the catalog of accounts, agents, spaces and memberships.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/zencelium/zencelium/internal/frame"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them:
	// WAL for concurrent readers, foreign keys for cascade deletes.
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			uuid TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			last_login DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			modified_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS spaces (
			uuid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			account_uuid TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			modified_at DATETIME NOT NULL,
			FOREIGN KEY (account_uuid) REFERENCES accounts(uuid) ON DELETE CASCADE
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_spaces_name_account
			ON spaces(name, account_uuid);

		CREATE TABLE IF NOT EXISTS agents (
			uuid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token TEXT NOT NULL UNIQUE,
			account_uuid TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			modified_at DATETIME NOT NULL,
			FOREIGN KEY (account_uuid) REFERENCES accounts(uuid) ON DELETE CASCADE
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_name_account
			ON agents(name, account_uuid);

		CREATE TABLE IF NOT EXISTS agent_spaces (
			agent_uuid TEXT NOT NULL,
			space_uuid TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (agent_uuid, space_uuid),
			FOREIGN KEY (agent_uuid) REFERENCES agents(uuid) ON DELETE CASCADE,
			FOREIGN KEY (space_uuid) REFERENCES spaces(uuid) ON DELETE CASCADE
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation reports whether err is a SQLite uniqueness error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) AgentByToken(ctx context.Context, token string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uuid, name, token, account_uuid, created_at, modified_at
		 FROM agents WHERE token = ?`, token)
	return scanAgent(row)
}

func (s *SQLiteStore) AccountByName(ctx context.Context, name string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uuid, name, display_name, password_hash, last_login, created_at, modified_at
		 FROM accounts WHERE name = ?`, name)
	return scanAccount(row)
}

func (s *SQLiteStore) AccountByUUID(ctx context.Context, uuid string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uuid, name, display_name, password_hash, last_login, created_at, modified_at
		 FROM accounts WHERE uuid = ?`, uuid)
	return scanAccount(row)
}

func (s *SQLiteStore) AccountAgent(ctx context.Context, account *Account) (*Agent, error) {
	return s.AgentByName(ctx, account, account.Name)
}

func (s *SQLiteStore) SpacesOf(ctx context.Context, agent *Agent) ([]*Space, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sp.uuid, sp.name, sp.account_uuid, sp.created_at, sp.modified_at
		 FROM spaces sp
		 JOIN agent_spaces asp ON asp.space_uuid = sp.uuid
		 WHERE asp.agent_uuid = ?
		 ORDER BY asp.created_at`, agent.UUID)
	if err != nil {
		return nil, fmt.Errorf("querying agent spaces: %w", err)
	}
	defer rows.Close()
	return scanSpaces(rows)
}

func (s *SQLiteStore) SpacesWhere(ctx context.Context, names []string, account *Account) ([]*Space, error) {
	if len(names) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(names))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(names)+1)
	for _, n := range names {
		args = append(args, n)
	}
	args = append(args, account.UUID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, name, account_uuid, created_at, modified_at
		 FROM spaces WHERE name IN (`+placeholders+`) AND account_uuid = ?
		 ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying spaces by name: %w", err)
	}
	defer rows.Close()
	return scanSpaces(rows)
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, name, displayName, passwordHash string) (*Account, error) {
	if displayName == "" {
		displayName = name
	}
	now := time.Now().UTC()
	account := &Account{
		UUID:         frame.NewUUID(),
		Name:         name,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		LastLogin:    now,
		CreatedAt:    now,
		ModifiedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounts (uuid, name, display_name, password_hash, last_login, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.UUID, account.Name, account.DisplayName, account.PasswordHash,
		account.LastLogin, account.CreatedAt, account.ModifiedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("account %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting account: %w", err)
	}

	// Every account gets its own agent and space, both named after it.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (uuid, name, token, account_uuid, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		frame.NewUUID(), name, frame.NewUUID(), account.UUID, now, now)
	if err != nil {
		return nil, fmt.Errorf("inserting account agent: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO spaces (uuid, name, account_uuid, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?)`,
		frame.NewUUID(), name, account.UUID, now, now)
	if err != nil {
		return nil, fmt.Errorf("inserting account space: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing account: %w", err)
	}

	s.logger.Info("account created", "name", name)
	return account, nil
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) TouchLastLogin(ctx context.Context, accountUUID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_login = ?, modified_at = ? WHERE uuid = ?`,
		now, now, accountUUID)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, account *Account, name string) (*Agent, error) {
	now := time.Now().UTC()
	agent := &Agent{
		UUID:        frame.NewUUID(),
		Name:        name,
		Token:       frame.NewUUID(),
		AccountUUID: account.UUID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (uuid, name, token, account_uuid, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agent.UUID, agent.Name, agent.Token, agent.AccountUUID, agent.CreatedAt, agent.ModifiedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting agent: %w", err)
	}
	return agent, nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, account *Account, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE name = ? AND account_uuid = ?`, name, account.UUID)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) AgentByName(ctx context.Context, account *Account, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uuid, name, token, account_uuid, created_at, modified_at
		 FROM agents WHERE name = ? AND account_uuid = ?`, name, account.UUID)
	return scanAgent(row)
}

func (s *SQLiteStore) AgentsOf(ctx context.Context, account *Account) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, name, token, account_uuid, created_at, modified_at
		 FROM agents WHERE account_uuid = ? ORDER BY created_at`, account.UUID)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.UUID, &a.Name, &a.Token, &a.AccountUUID, &a.CreatedAt, &a.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) CreateSpace(ctx context.Context, account *Account, name string) (*Space, error) {
	now := time.Now().UTC()
	space := &Space{
		UUID:        frame.NewUUID(),
		Name:        name,
		AccountUUID: account.UUID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spaces (uuid, name, account_uuid, created_at, modified_at)
		 VALUES (?, ?, ?, ?, ?)`,
		space.UUID, space.Name, space.AccountUUID, space.CreatedAt, space.ModifiedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("space %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting space: %w", err)
	}
	return space, nil
}

func (s *SQLiteStore) DeleteSpace(ctx context.Context, account *Account, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM spaces WHERE name = ? AND account_uuid = ?`, name, account.UUID)
	if err != nil {
		return fmt.Errorf("deleting space: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) SpaceByName(ctx context.Context, account *Account, name string) (*Space, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uuid, name, account_uuid, created_at, modified_at
		 FROM spaces WHERE name = ? AND account_uuid = ?`, name, account.UUID)
	return scanSpace(row)
}

func (s *SQLiteStore) SpacesOfAccount(ctx context.Context, account *Account) ([]*Space, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, name, account_uuid, created_at, modified_at
		 FROM spaces WHERE account_uuid = ? ORDER BY created_at`, account.UUID)
	if err != nil {
		return nil, fmt.Errorf("querying spaces: %w", err)
	}
	defer rows.Close()
	return scanSpaces(rows)
}

func (s *SQLiteStore) AgentJoinSpace(ctx context.Context, agent *Agent, spaceName string) (*Space, error) {
	account := &Account{UUID: agent.AccountUUID}
	space, err := s.SpaceByName(ctx, account, spaceName)
	if err != nil {
		return nil, err
	}

	// INSERT OR IGNORE makes joining a space idempotent.
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agent_spaces (agent_uuid, space_uuid, created_at)
		 VALUES (?, ?, ?)`,
		agent.UUID, space.UUID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("inserting membership: %w", err)
	}
	return space, nil
}

func (s *SQLiteStore) AgentLeaveSpace(ctx context.Context, agent *Agent, spaceName string) (*Space, error) {
	account := &Account{UUID: agent.AccountUUID}
	space, err := s.SpaceByName(ctx, account, spaceName)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_spaces WHERE agent_uuid = ? AND space_uuid = ?`,
		agent.UUID, space.UUID)
	if err != nil {
		return nil, fmt.Errorf("deleting membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("space %q: %w", spaceName, ErrNotMember)
	}
	return space, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.UUID, &a.Name, &a.DisplayName, &a.PasswordHash,
		&a.LastLogin, &a.CreatedAt, &a.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.UUID, &a.Name, &a.Token, &a.AccountUUID, &a.CreatedAt, &a.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	return &a, nil
}

func scanSpace(row *sql.Row) (*Space, error) {
	var sp Space
	err := row.Scan(&sp.UUID, &sp.Name, &sp.AccountUUID, &sp.CreatedAt, &sp.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning space: %w", err)
	}
	return &sp, nil
}

func scanSpaces(rows *sql.Rows) ([]*Space, error) {
	var spaces []*Space
	for rows.Next() {
		var sp Space
		if err := rows.Scan(&sp.UUID, &sp.Name, &sp.AccountUUID, &sp.CreatedAt, &sp.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scanning space: %w", err)
		}
		spaces = append(spaces, &sp)
	}
	return spaces, rows.Err()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
