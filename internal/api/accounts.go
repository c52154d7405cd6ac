package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"zappainel/internal/httpx"
)

type whatsappAccount struct {
	ID           string    `json:"id"`
	InstanceName string    `json:"evolution_instance_name"`
	PhoneNumber  string    `json:"phone_number,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type accountCreateRequest struct {
	InstanceName string `json:"evolution_instance_name"`
	APIKey       string `json:"evolution_api_key"`
	PhoneNumber  string `json:"phone_number"`
}

type planInfo struct {
	Name          string `json:"name"`
	WhatsAppLimit int    `json:"whatsapp_limit"`
	Status        string `json:"status"`
}

func (s *Server) handleAccountsList(w http.ResponseWriter, r *http.Request) {
	a, ok := sessionFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	accounts, err := s.listAccounts(r.Context(), a.User.ID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", a.User.ID).Msg("accounts list failed")
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao listar contas")
		return
	}

	plan, err := s.planForUser(r.Context(), a.User.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", a.User.ID).Msg("subscription lookup failed")
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"plan":     plan,
	})
}

// handleAccountCreate registers a gateway connection, enforcing the plan's
// connection cap (-1 means unlimited).
func (s *Server) handleAccountCreate(w http.ResponseWriter, r *http.Request) {
	a, ok := sessionFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req accountCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "JSON inválido")
		return
	}
	req.InstanceName = strings.TrimSpace(req.InstanceName)
	if req.InstanceName == "" {
		httpx.WriteError(w, http.StatusBadRequest, "Nome da instância é obrigatório")
		return
	}

	plan, err := s.planForUser(r.Context(), a.User.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.log.Error().Err(err).Str("user_id", a.User.ID).Msg("subscription lookup failed")
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao validar plano")
		return
	}

	var count int
	if err := s.db.QueryRowContext(r.Context(), `
		SELECT COUNT(*) FROM whatsapp_accounts WHERE user_id = ?
	`, a.User.ID).Scan(&count); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao validar plano")
		return
	}
	if plan.WhatsAppLimit != -1 && count >= plan.WhatsAppLimit {
		httpx.WriteError(w, http.StatusForbidden, "Você atingiu o limite de conexões do seu plano.")
		return
	}

	account := whatsappAccount{
		ID:           uuid.NewString(),
		InstanceName: req.InstanceName,
		PhoneNumber:  strings.TrimSpace(req.PhoneNumber),
		Status:       "unknown",
		CreatedAt:    time.Now(),
	}
	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO whatsapp_accounts (id, user_id, evolution_instance_name, evolution_api_key, phone_number, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'unknown', NOW(), NOW())
	`, account.ID, a.User.ID, account.InstanceName, strings.TrimSpace(req.APIKey), account.PhoneNumber)
	if err != nil {
		s.log.Error().Err(err).Str("instance", account.InstanceName).Msg("account insert failed")
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao salvar conta")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"account": account})
}

func (s *Server) handleBotConfigGet(w http.ResponseWriter, r *http.Request) {
	a, ok := sessionFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var raw sql.NullString
	err := s.db.QueryRowContext(r.Context(), `
		SELECT configuracao_bot FROM profiles WHERE id = ? LIMIT 1
	`, a.User.ID).Scan(&raw)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao carregar configuração")
		return
	}

	config := map[string]any{}
	if raw.Valid && strings.TrimSpace(raw.String) != "" {
		if err := json.Unmarshal([]byte(raw.String), &config); err != nil {
			s.log.Warn().Err(err).Str("user_id", a.User.ID).Msg("stored bot config is not valid json")
			config = map[string]any{}
		}
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"config": config})
}

// handleBotConfigSave overwrites the whole blob; concurrent edits are
// last-write-wins by design of the store.
func (s *Server) handleBotConfigSave(w http.ResponseWriter, r *http.Request) {
	a, ok := sessionFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var config map[string]any
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "JSON inválido")
		return
	}

	raw, err := json.Marshal(config)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Configuração inválida")
		return
	}

	if _, err := s.db.ExecContext(r.Context(), `
		UPDATE profiles SET configuracao_bot = ?, updated_at = NOW() WHERE id = ?
	`, string(raw), a.User.ID); err != nil {
		s.log.Error().Err(err).Str("user_id", a.User.ID).Msg("bot config save failed")
		httpx.WriteError(w, http.StatusInternalServerError, "Falha ao salvar.")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Configurações salvas com sucesso!"})
}

func (s *Server) listAccounts(ctx context.Context, userID string) ([]whatsappAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, evolution_instance_name, phone_number, status, created_at
		FROM whatsapp_accounts
		WHERE user_id = ?
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []whatsappAccount{}
	for rows.Next() {
		var acc whatsappAccount
		if err := rows.Scan(&acc.ID, &acc.InstanceName, &acc.PhoneNumber, &acc.Status, &acc.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// planForUser returns a zero-limit plan when the user has no subscription
// row, which blocks new connections until one exists.
func (s *Server) planForUser(ctx context.Context, userID string) (planInfo, error) {
	var (
		plan  planInfo
		name  sql.NullString
		limit sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.status, p.name, p.whatsapp_limit
		FROM subscriptions s
		LEFT JOIN plans p ON p.id = s.plan_id
		WHERE s.user_id = ?
		LIMIT 1
	`, userID).Scan(&plan.Status, &name, &limit)
	if err != nil {
		return planInfo{}, err
	}
	plan.Name = strings.TrimSpace(name.String)
	if limit.Valid {
		plan.WhatsAppLimit = int(limit.Int64)
	}
	return plan, nil
}
