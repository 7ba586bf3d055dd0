package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"versekeep/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

const apiKeyColumns = `id,writer_id,COALESCE(name,''),key_hash,created_at`

func scanAPIKey(s scanner) (domain.APIKey, error) {
	var (
		key     domain.APIKey
		created string
	)
	if err := s.Scan(&key.ID, &key.WriterID, &key.Name, &key.KeyHash, &created); err != nil {
		return key, err
	}
	var err error
	key.CreatedAt, err = parseTime(created)
	return key, err
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	if key.ID == "" || key.WriterID == "" || key.KeyHash == "" {
		return errors.New("api key needs id, writer_id and key_hash")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,writer_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.WriterID, nullable(key.Name), key.KeyHash, FormatTime(key.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return storeErr("insert api key", err)
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? LIMIT 1`, hash))
	return key, storeErr("get api key", notFound("api key", "", err))
}

func (r Repo) GetAPIKey(ctx context.Context, id string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id=?`, id))
	return key, storeErr("get api key", notFound("api key", id, err))
}

// ListAPIKeys returns a writer's keys, newest first.
func (r Repo) ListAPIKeys(ctx context.Context, writerID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE writer_id=? ORDER BY created_at DESC, id`, writerID)
	if err != nil {
		return nil, storeErr("list api keys", err)
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, storeErr("list api keys", err)
		}
		keys = append(keys, key)
	}
	return keys, storeErr("list api keys", rows.Err())
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return storeErr("delete api key", err)
	}
	return storeErr("delete api key", affectedOne(res, "api key", id))
}
