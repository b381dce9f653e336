package handlers

import (
	"net/http"

	"github.com/eldtechnologies/deaddrop/internal/api/middleware"
	"github.com/eldtechnologies/deaddrop/internal/apperr"
	"github.com/eldtechnologies/deaddrop/internal/registry"
)

// UpdateAgentRequest represents the profile update body.
type UpdateAgentRequest struct {
	Description *string `json:"description"`
}

// GetAgent returns the caller's own profile.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAgentFromContext(r.Context())

	agent, err := h.registry.Profile(r.Context(), caller.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, agent)
}

// UpdateAgent replaces the caller's description.
func (h *Handler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	caller := middleware.GetAgentFromContext(r.Context())

	var req UpdateAgentRequest
	if err := h.decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}
	if req.Description == nil {
		h.Fail(w, r, apperr.Validation("description must be 1-%d characters", registry.MaxDescriptionLength))
		return
	}

	if err := h.registry.UpdateDescription(r.Context(), caller.ID, *req.Description); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Activate makes the caller discoverable and reachable again.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// Deactivate hides the caller from search and blocks new mail to it.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	caller := middleware.GetAgentFromContext(r.Context())
	if err := h.registry.SetActive(r.Context(), caller.ID, active); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
