package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"zappainel/internal/httpx"
)

// gatewayEvent is the provider's nested webhook shape; only the fields the
// panel needs are pulled out.
type gatewayEvent struct {
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			RemoteJid string `json:"remoteJid"`
		} `json:"key"`
		Message struct {
			Conversation        string `json:"conversation"`
			ExtendedTextMessage struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
		} `json:"message"`
	} `json:"data"`
}

func (e gatewayEvent) text() string {
	if e.Data.Message.Conversation != "" {
		return e.Data.Message.Conversation
	}
	return e.Data.Message.ExtendedTextMessage.Text
}

// handleGatewayWebhook upserts a conversation keyed by (account, sender
// phone) and appends the message row.
func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var event gatewayEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "JSON inválido"})
		return
	}

	instance := strings.TrimSpace(event.Instance)
	phone := strings.TrimSpace(event.Data.Key.RemoteJid)
	content := strings.TrimSpace(event.text())
	if instance == "" || phone == "" || content == "" {
		s.log.Debug().
			Str("instance", instance).
			Str("phone", phone).
			Msg("webhook missing essential fields")
		httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"message": "Dados essenciais faltando."})
		return
	}

	accountID, err := s.accountIDByInstance(r.Context(), instance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpx.WriteJSON(w, http.StatusNotFound, map[string]any{
				"error": "Conta WhatsApp com a instância '" + instance + "' não encontrada.",
			})
			return
		}
		s.log.Error().Err(err).Str("instance", instance).Msg("account lookup failed")
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao processar webhook")
		return
	}

	conversationID, err := s.ensureConversation(r.Context(), accountID, phone)
	if err != nil {
		s.log.Error().Err(err).Str("instance", instance).Msg("conversation upsert failed")
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao processar webhook")
		return
	}

	_, err = s.db.ExecContext(r.Context(), `
		INSERT INTO messages (conversation_id, sender, content, created_at)
		VALUES (?, 'customer', ?, NOW())
	`, conversationID, content)
	if err != nil {
		s.log.Error().Err(err).Str("conversation_id", conversationID).Msg("message insert failed")
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao processar webhook")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "Mensagem processada com sucesso!"})
}

func (s *Server) accountIDByInstance(ctx context.Context, instance string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM whatsapp_accounts WHERE evolution_instance_name = ? LIMIT 1
	`, instance).Scan(&id)
	return id, err
}

func (s *Server) ensureConversation(ctx context.Context, accountID string, phone string) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, whatsapp_account_id, customer_phone, status, created_at, updated_at)
		VALUES (?, ?, ?, 'andamento', NOW(), NOW())
		ON DUPLICATE KEY UPDATE updated_at = NOW()
	`, uuid.NewString(), accountID, phone)
	if err != nil {
		return "", err
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM conversations WHERE whatsapp_account_id = ? AND customer_phone = ? LIMIT 1
	`, accountID, phone).Scan(&id)
	return id, err
}
