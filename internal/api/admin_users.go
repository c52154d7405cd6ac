package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"zappainel/internal/httpx"
)

func (s *Server) handleAdminUsersList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, email, full_name, numero, role, subscription_status, created_at
		FROM profiles
		ORDER BY created_at DESC
	`)
	if err != nil {
		s.log.Error().Err(err).Msg("profiles list failed")
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao listar usuários")
		return
	}
	defer rows.Close()

	users := []profileRow{}
	for rows.Next() {
		var p profileRow
		if err := rows.Scan(&p.ID, &p.Email, &p.FullName, &p.Numero, &p.Role, &p.SubscriptionStatus, &p.CreatedAt); err != nil {
			s.log.Error().Err(err).Msg("profiles scan failed")
			httpx.WriteError(w, http.StatusInternalServerError, "Erro ao listar usuários")
			return
		}
		users = append(users, p)
	}
	if err := rows.Err(); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao listar usuários")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"users": users})
}

// handleAdminUserCreate is the authenticated path into the same provisioning
// the function endpoint runs.
func (s *Server) handleAdminUserCreate(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "JSON inválido")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	req.Numero = strings.TrimSpace(req.Numero)
	if req.Email == "" || req.Password == "" || req.FullName == "" || req.Numero == "" {
		httpx.WriteError(w, http.StatusBadRequest, "Todos os campos obrigatórios (Email, Senha, Nome e Telefone) devem ser preenchidos.")
		return
	}

	user, err := s.provisionUser(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.notifyOnboarding(user, req.FullName)

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Usuário %s criado e onboarding iniciado!", req.Email),
		"user_id": user.ID,
	})
}

// handleAdminUserDelete refuses self-deletion; unlike the bare function
// endpoint, the caller identity is known here.
func (s *Server) handleAdminUserDelete(w http.ResponseWriter, r *http.Request) {
	a, ok := sessionFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	targetID := strings.TrimSpace(chi.URLParam(r, "id"))
	if targetID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "id é obrigatório")
		return
	}
	if targetID == a.User.ID {
		httpx.WriteError(w, http.StatusBadRequest, "Você não pode excluir sua própria conta.")
		return
	}

	if err := s.deleteUser(r.Context(), targetID); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Usuário %s deletado.", targetID),
	})
}
