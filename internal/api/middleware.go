package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"zappainel/internal/auth"
	"zappainel/internal/httpx"
)

const trialDays = 15

type profileRow struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	FullName           string    `json:"full_name"`
	Numero             string    `json:"numero"`
	Role               string    `json:"role"`
	SubscriptionStatus string    `json:"subscription_status"`
	CreatedAt          time.Time `json:"created_at"`
}

type sessionAuth struct {
	User    auth.User
	Profile profileRow
}

type sessionCtxKey struct{}

func sessionFromContext(ctx context.Context) (sessionAuth, bool) {
	a, ok := ctx.Value(sessionCtxKey{}).(sessionAuth)
	return a, ok
}

// requireSession resolves the bearer token at the identity provider, loads
// the profile row and enforces the access rule: admins always, otherwise an
// active subscription or a trial still inside its window.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		user, err := s.authc.UserFromToken(r.Context(), token)
		if err != nil {
			if auth.IsUnauthorized(err) {
				httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			s.log.Error().Err(err).Msg("token introspection failed")
			httpx.WriteError(w, http.StatusInternalServerError, "Erro ao validar sessão")
			return
		}

		profile, err := s.loadProfile(r.Context(), user.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				httpx.WriteError(w, http.StatusUnauthorized, "Perfil não encontrado")
				return
			}
			s.log.Error().Err(err).Str("user_id", user.ID).Msg("profile lookup failed")
			httpx.WriteError(w, http.StatusInternalServerError, "Erro ao validar sessão")
			return
		}

		if !hasAccess(profile, time.Now()) {
			httpx.WriteError(w, http.StatusForbidden, "Assinatura expirada ou inativa")
			return
		}

		ctx := context.WithValue(r.Context(), sessionCtxKey{}, sessionAuth{User: user, Profile: profile})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := sessionFromContext(r.Context())
		if !ok || a.Profile.Role != "admin" {
			httpx.WriteError(w, http.StatusForbidden, "Apenas administradores")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loadProfile(ctx context.Context, userID string) (profileRow, error) {
	var p profileRow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, full_name, numero, role, subscription_status, created_at
		FROM profiles
		WHERE id = ?
		LIMIT 1
	`, userID).Scan(&p.ID, &p.Email, &p.FullName, &p.Numero, &p.Role, &p.SubscriptionStatus, &p.CreatedAt)
	return p, err
}

// hasAccess mirrors the console's gate: admin, paying, or inside the
// 15-day trial window counted from profile creation.
func hasAccess(p profileRow, now time.Time) bool {
	switch {
	case p.Role == "admin":
		return true
	case p.SubscriptionStatus == "active":
		return true
	case p.SubscriptionStatus == "trialing":
		return now.Before(p.CreatedAt.Add(trialDays * 24 * time.Hour))
	default:
		return false
	}
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
