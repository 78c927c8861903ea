package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/partyline-project/partyline/internal/util"
)

// tokenPrefixLen is how much of the plaintext secret is kept for display.
const tokenPrefixLen = 8

// TokenStore manages API tokens and their role-based permissions using
// SQLite. Secrets are never stored; only their SHA-256 hash is.
type TokenStore struct {
	db *Database
}

// Token represents an issued API token. The secret itself is only returned
// once, at creation time.
type Token struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	CreatedAt time.Time `json:"created_at"`
	Roles     []string  `json:"roles"`
}

// Role represents a role in the permission system.
type Role struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	Inherits    string   `json:"inherits,omitempty"`
}

// NewTokenStore creates and initializes the token database.
func NewTokenStore(dbPath string) (*TokenStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	ts := &TokenStore{db: database}

	// Run migrations
	if err := ts.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate token database: %w", err)
	}

	// Seed default roles
	if err := ts.seedDefaults(); err != nil {
		return nil, fmt.Errorf("failed to seed default roles: %w", err)
	}

	return ts, nil
}

// migrate creates the database schema.
func (ts *TokenStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			inherits TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL
		);

		CREATE TABLE IF NOT EXISTS role_permissions (
			role_id INTEGER NOT NULL,
			permission_id INTEGER NOT NULL,
			PRIMARY KEY (role_id, permission_id),
			FOREIGN KEY (role_id) REFERENCES roles(id) ON DELETE CASCADE,
			FOREIGN KEY (permission_id) REFERENCES permissions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			hash TEXT UNIQUE NOT NULL,
			prefix TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS token_roles (
			token_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL,
			PRIMARY KEY (token_id, role_id),
			FOREIGN KEY (token_id) REFERENCES tokens(id) ON DELETE CASCADE,
			FOREIGN KEY (role_id) REFERENCES roles(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_hash ON tokens(hash);
	`

	_, err := ts.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("token schema migrated")
	return nil
}

// seedDefaults creates the default roles and permissions if they don't exist.
func (ts *TokenStore) seedDefaults() error {
	return ts.db.Transaction(func(tx *sql.Tx) error {
		// Seed permissions
		permissions := []string{"monitor", "control", "configure"}
		for _, perm := range permissions {
			_, err := tx.Exec(
				"INSERT OR IGNORE INTO permissions (name) VALUES (?)", perm)
			if err != nil {
				return err
			}
		}

		// Seed roles with permission mappings
		roles := []struct {
			name     string
			perms    []string
			inherits string
		}{
			{name: "user", perms: []string{"monitor"}, inherits: ""},
			{name: "admin", perms: []string{"monitor", "control"}, inherits: "user"},
			{name: "superadmin", perms: []string{"monitor", "control", "configure"}, inherits: "admin"},
		}

		for _, role := range roles {
			res, err := tx.Exec(
				"INSERT OR IGNORE INTO roles (name, inherits) VALUES (?, ?)",
				role.name, role.inherits)
			if err != nil {
				return err
			}

			// Get role ID
			var roleID int64
			rowsAffected, _ := res.RowsAffected()
			if rowsAffected > 0 {
				roleID, _ = res.LastInsertId()
			} else {
				row := tx.QueryRow("SELECT id FROM roles WHERE name = ?", role.name)
				row.Scan(&roleID)
			}

			// Assign permissions to role
			for _, perm := range role.perms {
				var permID int64
				row := tx.QueryRow("SELECT id FROM permissions WHERE name = ?", perm)
				if err := row.Scan(&permID); err != nil {
					continue
				}
				tx.Exec(
					"INSERT OR IGNORE INTO role_permissions (role_id, permission_id) VALUES (?, ?)",
					roleID, permID)
			}
		}

		return nil
	})
}

// CreateToken issues a new token with an initial role and returns the
// plaintext secret. This is the only time the secret is available.
func (ts *TokenStore) CreateToken(name, role string) (string, error) {
	secret, err := util.GenerateToken()
	if err != nil {
		return "", err
	}

	err = ts.db.Transaction(func(tx *sql.Tx) error {
		// Resolve the role first so a bad role name doesn't leave a token
		// without permissions.
		var roleID int64
		if err := tx.QueryRow("SELECT id FROM roles WHERE name = ?", role).Scan(&roleID); err != nil {
			return fmt.Errorf("role '%s' not found: %w", role, err)
		}

		res, err := tx.Exec(
			"INSERT INTO tokens (name, hash, prefix) VALUES (?, ?, ?)",
			name, util.HashToken(secret), secret[:tokenPrefixLen])
		if err != nil {
			return fmt.Errorf("failed to create token: %w", err)
		}

		tokenID, _ := res.LastInsertId()

		_, err = tx.Exec(
			"INSERT INTO token_roles (token_id, role_id) VALUES (?, ?)",
			tokenID, roleID)
		if err != nil {
			return fmt.Errorf("failed to assign role: %w", err)
		}

		log.Info().
			Str("name", name).
			Str("role", role).
			Msg("API token created")

		return nil
	})
	if err != nil {
		return "", err
	}

	return secret, nil
}

// VerifyToken looks up the token matching the presented secret. Only the
// SHA-256 hash of the secret is compared against the store.
func (ts *TokenStore) VerifyToken(secret string) (*Token, error) {
	var tok Token
	err := ts.db.QueryRow(`
		SELECT id, name, prefix, created_at FROM tokens WHERE hash = ?
	`, util.HashToken(secret)).Scan(&tok.ID, &tok.Name, &tok.Prefix, &tok.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown token")
	}
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	return &tok, nil
}

// TokenHasPermission checks if the presented secret maps to a token holding
// the given permission.
func (ts *TokenStore) TokenHasPermission(secret, permission string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM tokens t
		JOIN token_roles tr ON t.id = tr.token_id
		JOIN role_permissions rp ON tr.role_id = rp.role_id
		JOIN permissions p ON rp.permission_id = p.id
		WHERE t.hash = ? AND p.name = ?
	`

	var count int
	err := ts.db.QueryRow(query, util.HashToken(secret), permission).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("permission check failed: %w", err)
	}

	return count > 0, nil
}

// GetAllTokens returns all issued tokens with their roles. Secrets and
// hashes are never included.
func (ts *TokenStore) GetAllTokens() ([]Token, error) {
	query := `
		SELECT t.id, t.name, t.prefix, t.created_at
		FROM tokens t
		ORDER BY t.created_at
	`

	rows, err := ts.db.Query(query)
	if err != nil {
		return nil, err
	}

	var tokens []Token
	for rows.Next() {
		var tok Token
		if err := rows.Scan(&tok.ID, &tok.Name, &tok.Prefix, &tok.CreatedAt); err != nil {
			continue
		}
		tokens = append(tokens, tok)
	}
	// The pool holds a single connection; the token rows must be fully
	// drained before the role lookups run.
	rows.Close()

	for i := range tokens {
		roleRows, err := ts.db.Query(`
			SELECT r.name FROM roles r
			JOIN token_roles tr ON r.id = tr.role_id
			WHERE tr.token_id = ?
		`, tokens[i].ID)
		if err != nil {
			continue
		}
		for roleRows.Next() {
			var roleName string
			roleRows.Scan(&roleName)
			tokens[i].Roles = append(tokens[i].Roles, roleName)
		}
		roleRows.Close()
	}

	return tokens, nil
}

// DeleteToken revokes a token by name.
func (ts *TokenStore) DeleteToken(name string) error {
	_, err := ts.db.Exec("DELETE FROM tokens WHERE name = ?", name)
	return err
}

// AssignRole assigns a role to a token.
func (ts *TokenStore) AssignRole(name, role string) error {
	return ts.db.Transaction(func(tx *sql.Tx) error {
		var tokenID, roleID int64

		err := tx.QueryRow("SELECT id FROM tokens WHERE name = ?", name).Scan(&tokenID)
		if err != nil {
			return fmt.Errorf("token not found: %w", err)
		}

		err = tx.QueryRow("SELECT id FROM roles WHERE name = ?", role).Scan(&roleID)
		if err != nil {
			return fmt.Errorf("role not found: %w", err)
		}

		_, err = tx.Exec(
			"INSERT OR IGNORE INTO token_roles (token_id, role_id) VALUES (?, ?)",
			tokenID, roleID)
		return err
	})
}

// RemoveRole removes a role from a token.
func (ts *TokenStore) RemoveRole(name, role string) error {
	_, err := ts.db.Exec(`
		DELETE FROM token_roles
		WHERE token_id = (SELECT id FROM tokens WHERE name = ?)
		AND role_id = (SELECT id FROM roles WHERE name = ?)
	`, name, role)
	return err
}

// GetAllRoles returns all available roles with their permissions.
func (ts *TokenStore) GetAllRoles() ([]Role, error) {
	rows, err := ts.db.Query("SELECT id, name, inherits FROM roles ORDER BY id")
	if err != nil {
		return nil, err
	}

	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Inherits); err != nil {
			continue
		}
		roles = append(roles, r)
	}
	// Same single-connection constraint as GetAllTokens.
	rows.Close()

	for i := range roles {
		permRows, err := ts.db.Query(`
			SELECT p.name FROM permissions p
			JOIN role_permissions rp ON p.id = rp.permission_id
			WHERE rp.role_id = ?
		`, roles[i].ID)
		if err != nil {
			continue
		}
		for permRows.Next() {
			var perm string
			permRows.Scan(&perm)
			roles[i].Permissions = append(roles[i].Permissions, perm)
		}
		permRows.Close()
	}

	return roles, nil
}

// Path returns the token database file location.
func (ts *TokenStore) Path() string {
	return ts.db.Path()
}

// Close closes the database.
func (ts *TokenStore) Close() error {
	return ts.db.Close()
}
