package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/deaddrop/internal/apperr"
	"github.com/eldtechnologies/deaddrop/internal/exchange"
	"github.com/eldtechnologies/deaddrop/internal/index"
	"github.com/eldtechnologies/deaddrop/internal/registry"
	"github.com/eldtechnologies/deaddrop/internal/store"
)

// Deps are the services behind the HTTP handlers.
type Deps struct {
	Registry        *registry.Registry
	Index           *index.Index
	Exchange        *exchange.Exchange
	Agents          store.AgentStore
	Inbox           store.InboxStore
	AdminSecretHash string
	Logger          zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	registry        *registry.Registry
	index           *index.Index
	exchange        *exchange.Exchange
	agents          store.AgentStore
	inbox           store.InboxStore
	adminSecretHash string
	logger          zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		registry:        d.Registry,
		index:           d.Index,
		exchange:        d.Exchange,
		agents:          d.Agents,
		inbox:           d.Inbox,
		adminSecretHash: d.AdminSecretHash,
		logger:          d.Logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail maps a service error onto the error envelope. Causes of
// Unavailable errors are logged and never written to the client.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.As(err)
	if e.Kind == apperr.KindUnavailable {
		h.logger.Error().
			Err(e.Err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("backend failure")
	}
	if e.Kind == apperr.KindRateLimited && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds())))
	}
	h.Error(w, e.Kind.Status(), e.Message)
}

// decode reads a request body holding exactly one JSON value into v.
func (h *Handler) decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(v)
	if err == nil {
		// Only whitespace may follow the value.
		if err = dec.Decode(&struct{}{}); err == io.EOF {
			return nil
		} else if err == nil {
			err = errors.New("trailing data after JSON value")
		}
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.Validation("request body too large")
	}
	return apperr.Validation("invalid JSON body")
}
