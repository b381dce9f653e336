package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/deaddrop/internal/apperr"
	"github.com/eldtechnologies/deaddrop/internal/models"
)

type contextKey string

const AgentContextKey contextKey = "agent"

// Authenticator resolves an Authorization header to an agent.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*models.Agent, error)
}

// AuthMiddleware handles bearer credential checks for authenticated endpoints.
type AuthMiddleware struct {
	auth   Authenticator
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(auth Authenticator, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{auth: auth, logger: logger}
}

// RequireAuth middleware resolves the bearer API key and stores the
// agent in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, err := m.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			e := apperr.As(err)
			if e.Kind == apperr.KindUnavailable {
				m.logger.Error().Err(e.Err).Str("path", r.URL.Path).Msg("authentication backend failure")
			} else {
				m.logger.Debug().
					Str("type", "security").
					Str("event", "auth_failed").
					Str("ip", RealIP(r)).
					Str("endpoint", r.URL.Path).
					Msg(e.Message)
			}
			jsonError(w, e.Kind.Status(), e.Message)
			return
		}

		// Add agent to context
		ctx := context.WithValue(r.Context(), AgentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetAgentFromContext retrieves the authenticated agent from the request context.
func GetAgentFromContext(ctx context.Context) *models.Agent {
	agent, ok := ctx.Value(AgentContextKey).(*models.Agent)
	if !ok {
		return nil
	}
	return agent
}
