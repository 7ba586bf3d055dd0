package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"versekeep/internal/domain"
	"versekeep/internal/repo"
)

const apiKeyPrefix = "vk_"

// CreateAPIKey issues a key for writerID. The plaintext secret is returned
// once and never stored.
func (e Engine) CreateAPIKey(ctx context.Context, writerID, name string) (domain.APIKey, string, error) {
	writerID = strings.TrimSpace(writerID)
	if e.writerScope != "" {
		writerID = e.writerScope
	}
	if writerID == "" {
		return domain.APIKey{}, "", domain.ValidationError{Field: "writer_id", Reason: "required"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		WriterID:  writerID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	e.log().Info("api key created", "writer_id", writerID, "key_id", key.ID)
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, writerID string) ([]domain.APIKey, error) {
	if e.writerScope != "" {
		writerID = e.writerScope
	}
	if writerID == "" {
		return nil, domain.ValidationError{Field: "writer_id", Reason: "required"}
	}
	return e.Repo.ListAPIKeys(ctx, writerID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	key, err := e.Repo.GetAPIKey(ctx, id)
	if err != nil {
		return err
	}
	if e.writerScope != "" && key.WriterID != e.writerScope {
		return domain.NotFoundError{Entity: "api key", ID: id}
	}
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	e.log().Info("api key revoked", "writer_id", key.WriterID, "key_id", id)
	return nil
}

// AuthenticateAPIKey resolves a presented secret to its writer.
func (e Engine) AuthenticateAPIKey(ctx context.Context, secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if !strings.HasPrefix(secret, apiKeyPrefix) {
		return "", domain.NotFoundError{Entity: "api key"}
	}
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		return "", err
	}
	return key.WriterID, nil
}
