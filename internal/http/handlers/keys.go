package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/docmd-api/internal/service"
)

// APIKeyHandler handles API key management endpoints.
type APIKeyHandler struct {
	authSvc *service.AuthService
}

// NewAPIKeyHandler creates a new API key handler.
func NewAPIKeyHandler(authSvc *service.AuthService) *APIKeyHandler {
	return &APIKeyHandler{authSvc: authSvc}
}

// CreateKeyInput represents an API key creation request.
type CreateKeyInput struct {
	Body struct {
		Name string `json:"name" minLength:"1" maxLength:"100" example:"ci-pipeline" doc:"Display name for the key"`
	}
}

// CreateKeyOutput represents an API key creation response.
// The plaintext key is returned exactly once; only its hash is stored.
type CreateKeyOutput struct {
	Body struct {
		Success   bool      `json:"success"`
		KeyID     string    `json:"key_id"`
		Name      string    `json:"name"`
		APIKey    string    `json:"api_key" doc:"Plaintext key; store it now, it cannot be retrieved again"`
		KeyPrefix string    `json:"key_prefix" doc:"Display prefix for identifying the key later"`
		CreatedAt time.Time `json:"created_at"`
	}
}

// CreateKey issues a new API key owned by the caller.
func (h *APIKeyHandler) CreateKey(ctx context.Context, input *CreateKeyInput) (*CreateKeyOutput, error) {
	userID := getUserID(ctx)
	if userID == "" {
		return nil, huma.Error401Unauthorized("unauthorized")
	}

	plaintext, key, err := h.authSvc.CreateAPIKey(ctx, userID, input.Body.Name)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to create API key")
	}

	out := &CreateKeyOutput{}
	out.Body.Success = true
	out.Body.KeyID = key.ID
	out.Body.Name = key.Name
	out.Body.APIKey = plaintext
	out.Body.KeyPrefix = key.KeyPrefix
	out.Body.CreatedAt = key.CreatedAt
	return out, nil
}
