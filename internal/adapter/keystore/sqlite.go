// Package keystore persists managed relay keys in SQLite.
package keystore

import (
	"context"
	crand "crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"vtt-relay/internal/domain"
)

// SQLiteKeyStore implements key CRUD plus the credential check the auth gate
// consults. Raw key material is never stored, only its SHA-256 digest.
type SQLiteKeyStore struct {
	db *sql.DB
}

// NewSQLiteKeyStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteKeyStore(dbPath string) (*SQLiteKeyStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open key db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate key db: %w", err)
	}
	return &SQLiteKeyStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			hash       TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			revoked_at TEXT
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteKeyStore) Close() error {
	return s.db.Close()
}

// Create mints a key under the given display name and returns the record
// together with the raw secret. The secret is shown exactly once; afterwards
// only its digest exists.
func (s *SQLiteKeyStore) Create(_ context.Context, name string) (*domain.APIKey, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("key name: %w", domain.ErrInvalidInput)
	}
	raw, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate key material: %w", err)
	}
	now := time.Now().UTC()
	key := &domain.APIKey{
		ID:        generateULID(now),
		Name:      name,
		CreatedAt: now,
	}
	_, err = s.db.Exec(
		"INSERT INTO api_keys (id, name, hash, created_at) VALUES (?, ?, ?, ?)",
		key.ID, key.Name, digest(raw), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// Validate reports whether credential matches a live (non-revoked) key.
func (s *SQLiteKeyStore) Validate(_ context.Context, credential string) (bool, error) {
	var revoked sql.NullString
	err := s.db.QueryRow(
		"SELECT revoked_at FROM api_keys WHERE hash = ?", digest(credential),
	).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !revoked.Valid, nil
}

// Get looks up a key record by id.
func (s *SQLiteKeyStore) Get(_ context.Context, id string) (*domain.APIKey, error) {
	row := s.db.QueryRow(
		"SELECT id, name, created_at, revoked_at FROM api_keys WHERE id = ?", id,
	)
	return scanKey(row)
}

// Revoke marks the key dead. Revoked keys stop validating immediately but
// stay listed until purged.
func (s *SQLiteKeyStore) Revoke(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		"UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL",
		now.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return domain.ErrKeyRevoked
	}
	return nil
}

// List returns all key records, oldest first.
func (s *SQLiteKeyStore) List(_ context.Context) ([]domain.APIKey, error) {
	rows, err := s.db.Query("SELECT id, name, created_at, revoked_at FROM api_keys ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []domain.APIKey
	for rows.Next() {
		k, err := scanKeyRows(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// PurgeRevoked deletes keys revoked longer than olderThan ago and returns
// how many went.
func (s *SQLiteKeyStore) PurgeRevoked(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.Exec(
		"DELETE FROM api_keys WHERE revoked_at IS NOT NULL AND revoked_at < ?",
		cutoff.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanKey(row *sql.Row) (*domain.APIKey, error) {
	var k domain.APIKey
	var createdStr string
	var revoked sql.NullString
	if err := row.Scan(&k.ID, &k.Name, &createdStr, &revoked); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrKeyNotFound
		}
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if revoked.Valid {
		t, _ := time.Parse(time.RFC3339Nano, revoked.String)
		k.RevokedAt = &t
	}
	return &k, nil
}

func scanKeyRows(rows *sql.Rows) (*domain.APIKey, error) {
	var k domain.APIKey
	var createdStr string
	var revoked sql.NullString
	if err := rows.Scan(&k.ID, &k.Name, &createdStr, &revoked); err != nil {
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if revoked.Valid {
		t, _ := time.Parse(time.RFC3339Nano, revoked.String)
		k.RevokedAt = &t
	}
	return &k, nil
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := crand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
