package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"leanline/internal/domain"
)

const keyColumns = `id,actor_id,COALESCE(project_id,''),COALESCE(name,''),key_hash,created_at,COALESCE(last_used_at,'')`

func scanKey(row interface{ Scan(...any) error }) (domain.APIKey, error) {
	var k domain.APIKey
	err := row.Scan(&k.ID, &k.ActorID, &k.ProjectID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	return k, err
}

// Only the digest of a key is stored; surrounding space is ignored.
func keyDigest(plaintext string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(plaintext)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKeyTx stores key under the digest of plaintext.
func (r Repo) InsertAPIKeyTx(ctx context.Context, tx *sql.Tx, key domain.APIKey, plaintext string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,project_id,name,key_hash,created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.ProjectID), nullable(key.Name), keyDigest(plaintext), key.CreatedAt)
	return err
}

// ResolveAPIKey finds the key presented as plaintext and stamps its last use.
func (r Repo) ResolveAPIKey(ctx context.Context, plaintext, now string) (domain.APIKey, error) {
	if strings.TrimSpace(plaintext) == "" {
		return domain.APIKey{}, ErrNotFound
	}
	return scanKey(r.DB.QueryRowContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE key_hash=? RETURNING `+keyColumns,
		now, keyDigest(plaintext)))
}

// ListAPIKeys returns an actor's keys, newest first.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE actor_id=? ORDER BY created_at DESC, id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes one of actorID's keys. Keys of other actors read as missing.
func (r Repo) DeleteAPIKey(ctx context.Context, actorID, id string) error {
	return expectRow(r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND actor_id=?`, id, actorID))
}
