package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"zappainel/internal/auth"
	"zappainel/internal/httpx"
)

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Numero   string `json:"numero"`
}

type deleteUserRequest struct {
	UserIDToDelete string `json:"userIdToDelete"`
}

// handleCreateUserWithConfig provisions an account: identity record first,
// then the profile row, then a fire-and-forget onboarding webhook. The two
// durable writes must stay consistent, so a failed profile insert rolls the
// identity back.
func (s *Server) handleCreateUserWithConfig(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "JSON inválido"})
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	req.Numero = strings.TrimSpace(req.Numero)
	if req.Email == "" || req.Password == "" || req.FullName == "" || req.Numero == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"error": "Todos os campos obrigatórios (Email, Senha, Nome e Telefone) devem ser preenchidos.",
		})
		return
	}

	user, err := s.provisionUser(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		httpx.WriteJSON(w, status, map[string]any{"error": err.Error()})
		return
	}

	s.notifyOnboarding(user, req.FullName)

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Usuário %s criado e onboarding iniciado!", req.Email),
	})
}

func (s *Server) provisionUser(ctx context.Context, req createUserRequest) (auth.User, error) {
	user, err := s.authc.CreateUser(ctx, req.Email, req.Password)
	if err != nil {
		s.log.Error().Err(err).Str("email", req.Email).Msg("identity creation failed")
		return auth.User{}, fmt.Errorf("falha na autenticação ao criar usuário: %s", authMessage(err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, full_name, numero, role, subscription_status, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'user', 'trialing', '', NOW(), NOW())
	`, user.ID, req.Email, req.FullName, req.Numero)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("profile insert failed, rolling identity back")
		// Compensating delete: never leave an identity without a profile.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if delErr := s.authc.DeleteUser(cleanupCtx, user.ID); delErr != nil {
			s.log.Error().Err(delErr).Str("user_id", user.ID).Msg("compensating identity delete failed")
		}
		return auth.User{}, fmt.Errorf("falha no banco ao criar perfil: %s", err.Error())
	}

	return user, nil
}

// notifyOnboarding fires the downstream automation webhook. Failures are
// logged with the user id so an operator can replay the hook; the caller
// still sees success.
func (s *Server) notifyOnboarding(user auth.User, fullName string) {
	url := s.cfg.OnboardingWebhookURL
	if url == "" {
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"user_id":       user.ID,
		"user_email":    user.Email,
		"instance_name": fullName,
		"user_name":     fullName,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", user.ID).Msg("onboarding webhook request build failed")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", user.ID).Msg("onboarding webhook failed")
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			s.log.Warn().Int("status", resp.StatusCode).Str("user_id", user.ID).Msg("onboarding webhook rejected")
		}
	}()
}

// handleDeleteUserFunction removes the identity and the profile row; the
// account, conversation and message rows go away through the foreign keys.
func (s *Server) handleDeleteUserFunction(w http.ResponseWriter, r *http.Request) {
	var req deleteUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "JSON inválido"})
		return
	}
	req.UserIDToDelete = strings.TrimSpace(req.UserIDToDelete)
	if req.UserIDToDelete == "" {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "userIdToDelete não foi fornecido."})
		return
	}

	if err := s.deleteUser(r.Context(), req.UserIDToDelete); err != nil {
		httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Usuário %s deletado.", req.UserIDToDelete),
	})
}

func (s *Server) deleteUser(ctx context.Context, userID string) error {
	if err := s.authc.DeleteUser(ctx, userID); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("identity delete failed")
		return fmt.Errorf("falha ao deletar usuário: %s", authMessage(err))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, userID); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("profile delete failed after identity delete")
		return fmt.Errorf("identidade removida, mas falha ao remover perfil: %s", err.Error())
	}
	return nil
}

func authMessage(err error) string {
	var ae *auth.Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}
