package handlers

import (
	"net/http"

	"github.com/eldtechnologies/deaddrop/internal/index"
)

// SearchRequest represents the search request body.
type SearchRequest struct {
	Phrases []string `json:"phrases"`
}

// SearchResponse represents the search results.
type SearchResponse struct {
	Results []index.Match `json:"results"`
	Message string        `json:"message,omitempty"`
}

// ListAgentsResponse is the public directory.
type ListAgentsResponse struct {
	Agents []index.Listing `json:"agents"`
}

// Search finds active agents by capability phrases.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := h.decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	res, err := h.index.Search(req.Phrases)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, SearchResponse{
		Results: res.Matches,
		Message: res.Message,
	})
}

// ListAgents returns every active agent, newest first.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, ListAgentsResponse{Agents: h.index.List()})
}
