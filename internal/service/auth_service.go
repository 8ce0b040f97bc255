package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/docmd-api/internal/config"
	"github.com/jmylchreest/docmd-api/internal/models"
	"github.com/jmylchreest/docmd-api/internal/repository"
)

// ErrInvalidAPIKey is returned for unknown, malformed, or revoked keys.
var ErrInvalidAPIKey = errors.New("invalid API key")

// APIKeyPrefix is the plaintext prefix of all issued keys.
const APIKeyPrefix = "dm_"

// singleKeyUserID is the user id assigned to requests authenticated via
// DOCMD_API_KEY_HASH in self-hosted single-key mode.
const singleKeyUserID = "default"

// AuthService validates bearer API keys. Keys are stored hashed; the
// plaintext is only visible at issue time.
type AuthService struct {
	cfg    *config.Config
	repos  *repository.Repositories
	logger *slog.Logger
}

// NewAuthService creates a new auth service.
func NewAuthService(cfg *config.Config, repos *repository.Repositories, logger *slog.Logger) *AuthService {
	return &AuthService{
		cfg:    cfg,
		repos:  repos,
		logger: logger.With("component", "auth"),
	}
}

// HashAPIKey returns the hex sha256 of a plaintext key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidateAPIKey resolves a plaintext key to its owner's user id.
func (s *AuthService) ValidateAPIKey(ctx context.Context, key string) (string, error) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return "", ErrInvalidAPIKey
	}

	hash := HashAPIKey(key)

	// Single-key self-hosted mode bypasses the api_keys table.
	if s.cfg.APIKeyHash != "" && hash == s.cfg.APIKeyHash {
		return singleKeyUserID, nil
	}

	rec, err := s.repos.APIKey.GetByKeyHash(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("failed to look up API key: %w", err)
	}
	if rec == nil {
		return "", ErrInvalidAPIKey
	}

	// Fire and forget; a failed timestamp write must not fail the request
	go func() {
		_ = s.repos.APIKey.UpdateLastUsed(context.Background(), rec.ID, time.Now())
	}()

	return rec.UserID, nil
}

// CreateAPIKey issues a new key for a user and returns the plaintext
// exactly once. Only the hash and a display prefix are persisted.
func (s *AuthService) CreateAPIKey(ctx context.Context, userID, name string) (string, *models.APIKey, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	plaintext := APIKeyPrefix + hex.EncodeToString(raw)

	key := &models.APIKey{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Name:      name,
		KeyHash:   HashAPIKey(plaintext),
		KeyPrefix: plaintext[:len(APIKeyPrefix)+8],
		CreatedAt: time.Now(),
	}
	if err := s.repos.APIKey.Create(ctx, key); err != nil {
		return "", nil, fmt.Errorf("failed to store API key: %w", err)
	}

	s.logger.Info("API key created", "key_id", key.ID, "user_id", userID, "prefix", key.KeyPrefix)
	return plaintext, key, nil
}
