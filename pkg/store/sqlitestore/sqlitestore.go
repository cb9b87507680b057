// Package sqlitestore implements the mesh core's store.Store interface
// over a local SQLite database, with values encrypted at rest under a
// key derived from the node's passphrase.
package sqlitestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	aesKeyLen        = 32
)

// Store is a namespaced key-value store backed by SQLite, with every
// value sealed under AES-256-GCM before it touches disk.
type Store struct {
	db            *sql.DB
	encryptionKey []byte

	cleanupStop chan struct{}
}

// Open opens or creates the database at dbPath. passphrase derives the
// at-rest encryption key via PBKDF2; the same passphrase must be
// supplied on every subsequent Open of the same file. namespaceTTLs
// configures a background cleanup goroutine per namespace: rows older
// than the TTL are purged periodically, mirroring how a relay queue
// expires stale entries.
func Open(dbPath, passphrase string, namespaceTTLs map[string]time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("sqlitestore: enable WAL: %w", err)
	}

	salt := []byte("meshphone-sqlitestore-salt")
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	s := &Store{
		db:            db,
		encryptionKey: key,
		cleanupStop:   make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	for namespace, ttl := range namespaceTTLs {
		go s.cleanupLoop(namespace, ttl)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);

	CREATE INDEX IF NOT EXISTS idx_kv_namespace ON kv(namespace);
	CREATE INDEX IF NOT EXISTS idx_kv_updated_at ON kv(namespace, updated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlitestore: create schema: %w", err)
	}
	return nil
}

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sqlitestore: sealed value too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Put writes value under (namespace, key), replacing any prior value.
func (s *Store) Put(namespace, key string, value []byte) error {
	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("sqlitestore: seal: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, sealed, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: put: %w", err)
	}
	return nil
}

// Get reads the value stored under (namespace, key). ok is false if no
// such row exists.
func (s *Store) Get(namespace, key string) ([]byte, bool, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: get: %w", err)
	}
	plaintext, err := s.open(sealed)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: decrypt: %w", err)
	}
	return plaintext, true, nil
}

// Delete removes (namespace, key) if present.
func (s *Store) Delete(namespace, key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("sqlitestore: delete: %w", err)
	}
	return nil
}

// List returns every key currently stored under namespace.
func (s *Store) List(namespace string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlitestore: list scan: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close stops the cleanup goroutines and closes the database.
func (s *Store) Close() error {
	close(s.cleanupStop)
	return s.db.Close()
}

func (s *Store) cleanupLoop(namespace string, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ttl).Unix()
			if _, err := s.db.Exec(`DELETE FROM kv WHERE namespace = ? AND updated_at < ?`, namespace, cutoff); err != nil {
				log.Printf("sqlitestore: cleanup of namespace %s failed: %v", namespace, err)
			}
		}
	}
}
