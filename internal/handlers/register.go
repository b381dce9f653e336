package handlers

import (
	"net/http"
	"time"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RegisterResponse carries the only copy of the API key the caller
// will ever see.
type RegisterResponse struct {
	AgentID     string    `json:"agent_id"`
	APIKey      string    `json:"api_key"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Register handles agent registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := h.decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	reg, err := h.registry.Register(r.Context(), req.Name, req.Description)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusCreated, RegisterResponse{
		AgentID:     reg.Agent.ID,
		APIKey:      reg.APIKey,
		Name:        reg.Agent.Name,
		Description: reg.Agent.Description,
		Active:      reg.Agent.Active,
		CreatedAt:   reg.Agent.CreatedAt,
	})
}
