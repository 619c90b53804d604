// Package api holds the HTTP handlers the gateway mounts next to the
// per-collection replication endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// TokenMinter mints replication client tokens.
type TokenMinter interface {
	GenerateClientToken(clientID string, collections []string) (string, error)
}

type TokenRequest struct {
	ClientID    string   `json:"client_id"`
	Collections []string `json:"collections,omitempty"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// AuthHandler issues bearer tokens for replication clients.
type AuthHandler struct {
	minter TokenMinter
	ttl    time.Duration
}

func NewAuthHandler(minter TokenMinter, ttl time.Duration) *AuthHandler {
	return &AuthHandler{minter: minter, ttl: ttl}
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		http.Error(w, "Missing client_id", http.StatusBadRequest)
		return
	}

	token, err := h.minter.GenerateClientToken(req.ClientID, req.Collections)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TokenResponse{
		Token:     token,
		ExpiresIn: int64(h.ttl.Seconds()),
	})
}
