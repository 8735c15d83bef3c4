// Package session persists agent connection credentials across restarts.
// Credentials are sealed with ChaCha20-Poly1305 before they touch disk; the
// store itself is a single sqlite table.
package session

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/blockforge/swarmd/internal/driver"
)

// ErrBadKey is returned when the sealing key has the wrong length.
var ErrBadKey = errors.New("sealing key must be 32 bytes")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	agent_id   TEXT PRIMARY KEY,
	sealed     BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

// Store is the sqlite-backed credential store.
type Store struct {
	db     *sql.DB
	key    []byte
	logger *zap.Logger
}

// Open opens (and if needed creates) the store at path. key seals and
// unseals credentials and must be 32 bytes.
func Open(path string, key []byte, logger *zap.Logger) (*Store, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrBadKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return &Store{db: db, key: key, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save seals and upserts credentials for an agent.
func (s *Store) Save(agentID string, creds driver.Credentials) error {
	sealed, err := s.seal(creds)
	if err != nil {
		return fmt.Errorf("seal credentials for %s: %w", agentID, err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO sessions (agent_id, sealed, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		agentID, sealed, now, now)
	if err != nil {
		return fmt.Errorf("save session for %s: %w", agentID, err)
	}
	return nil
}

// Load unseals the stored credentials for an agent. The second return is
// false when no session exists.
func (s *Store) Load(agentID string) (driver.Credentials, bool, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT sealed FROM sessions WHERE agent_id = ?`, agentID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return driver.Credentials{}, false, nil
	}
	if err != nil {
		return driver.Credentials{}, false, fmt.Errorf("load session for %s: %w", agentID, err)
	}

	creds, err := s.unseal(sealed)
	if err != nil {
		return driver.Credentials{}, false, fmt.Errorf("unseal session for %s: %w", agentID, err)
	}
	return creds, true, nil
}

// Delete removes an agent's session. Deleting a missing session is not an
// error.
func (s *Store) Delete(agentID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete session for %s: %w", agentID, err)
	}
	return nil
}

// Agents lists every agent id with a stored session.
func (s *Store) Agents() ([]string, error) {
	rows, err := s.db.Query(`SELECT agent_id FROM sessions ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) seal(creds driver.Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) unseal(sealed []byte) (driver.Credentials, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return driver.Credentials{}, err
	}
	if len(sealed) < aead.NonceSize() {
		return driver.Credentials{}, errors.New("sealed blob too short")
	}
	nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return driver.Credentials{}, fmt.Errorf("decrypt: %w", err)
	}
	var creds driver.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return driver.Credentials{}, err
	}
	return creds, nil
}
