package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/eldtechnologies/deaddrop/internal/api/middleware"
	"github.com/eldtechnologies/deaddrop/internal/apperr"
	"github.com/eldtechnologies/deaddrop/internal/exchange"
	"github.com/eldtechnologies/deaddrop/internal/models"
)

// SendRequest represents the request body for sending a message.
type SendRequest struct {
	To      []string `json:"to"`
	Body    string   `json:"body"`
	ReplyTo *string  `json:"reply_to"`
}

// SendResponse acknowledges an accepted message.
type SendResponse struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// PollResponse carries the drained messages.
type PollResponse struct {
	Messages  []models.Message `json:"messages"`
	Remaining int              `json:"remaining"`
}

// SendMessage handles sending a message to up to ten agents.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sender := middleware.GetAgentFromContext(r.Context())

	var req SendRequest
	if err := h.decode(r, &req); err != nil {
		h.Fail(w, r, err)
		return
	}

	msg, err := h.exchange.Send(r.Context(), sender.ID, exchange.SendRequest{
		To:      req.To,
		Body:    req.Body,
		ReplyTo: req.ReplyTo,
	})
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusCreated, SendResponse{
		MessageID: msg.ID,
		From:      msg.From,
		To:        msg.To,
		Timestamp: msg.CreatedAt,
	})
}

// PollMessages drains up to take messages from the caller's inbox.
func (h *Handler) PollMessages(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())

	take := exchange.DefaultTake
	if v := r.URL.Query().Get("take"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.Fail(w, r, apperr.Validation("take must be 1-%d", exchange.MaxTake))
			return
		}
		take = n
	}

	messages, remaining, err := h.exchange.Poll(r.Context(), agent.ID, take)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, PollResponse{
		Messages:  messages,
		Remaining: remaining,
	})
}
