package handlers

import (
	"net/http"
	"strings"

	"github.com/eldtechnologies/deaddrop/internal/crypto"
	"github.com/eldtechnologies/deaddrop/internal/models"
)

const busiestInboxes = 10

// StatsResponse is the admin overview of the service.
type StatsResponse struct {
	Agents struct {
		Total  int64 `json:"total"`
		Active int   `json:"active"`
	} `json:"agents"`
	Messages struct {
		TotalStored int64 `json:"total_stored"`
	} `json:"messages"`
	Inboxes     models.InboxStats `json:"inboxes"`
	SearchIndex struct {
		NumDocs int `json:"num_docs"`
	} `json:"search_index"`
	Backends struct {
		Agents  string `json:"agents"`
		Inboxes string `json:"inboxes"`
	} `json:"backends"`
}

// AdminStats returns service statistics to holders of the admin secret.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	if h.adminSecretHash == "" {
		h.Error(w, http.StatusServiceUnavailable, "admin secret not configured")
		return
	}

	scheme, secret, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || !crypto.VerifyAdminSecret(h.adminSecretHash, strings.TrimSpace(secret)) {
		h.logger.Warn().
			Str("type", "security").
			Str("event", "admin_auth_failed").
			Str("remote_addr", r.RemoteAddr).
			Msg("invalid admin secret")
		h.Error(w, http.StatusUnauthorized, "invalid admin secret")
		return
	}

	ctx := r.Context()

	total, err := h.agents.CountAgents(ctx)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	inboxes, err := h.exchange.Stats(ctx, busiestInboxes)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	var resp StatsResponse
	resp.Agents.Total = total
	resp.Agents.Active = h.index.Len()
	resp.Messages.TotalStored = inboxes.StoredMessages
	resp.Inboxes = inboxes
	resp.SearchIndex.NumDocs = h.index.Len()
	resp.Backends.Agents = h.agents.Backend()
	resp.Backends.Inboxes = h.inbox.Backend()

	h.JSON(w, http.StatusOK, resp)
}
