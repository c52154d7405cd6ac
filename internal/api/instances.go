package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"zappainel/internal/connect"
	"zappainel/internal/gateway"
	"zappainel/internal/httpx"
)

type instanceActionRequest struct {
	PhoneNumber string `json:"phone_number"`
	Token       string `json:"token"`
}

func (s *Server) handleInstanceConnect(w http.ResponseWriter, r *http.Request) {
	name, ok := s.authorizeInstance(w, r)
	if !ok {
		return
	}

	var req instanceActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteError(w, http.StatusBadRequest, "JSON inválido")
		return
	}

	snap, err := s.flows.Connect(r.Context(), name, req.PhoneNumber, req.Token)
	if err != nil {
		switch {
		case errors.Is(err, connect.ErrNameRequired), errors.Is(err, connect.ErrNumberRequired):
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
		default:
			httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{
				"error":    err.Error(),
				"snapshot": snap,
			})
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

func (s *Server) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := s.authorizeInstance(w, r)
	if !ok {
		return
	}

	var req instanceActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteError(w, http.StatusBadRequest, "JSON inválido")
		return
	}

	snap, err := s.flows.CheckStatus(r.Context(), name, req.PhoneNumber)
	if err != nil {
		switch {
		case errors.Is(err, connect.ErrNumberMismatch):
			httpx.WriteJSON(w, http.StatusConflict, map[string]any{
				"error":    "numero_incorreto",
				"snapshot": snap,
			})
		default:
			httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{
				"error":    err.Error(),
				"snapshot": snap,
			})
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

func (s *Server) handleInstanceQR(w http.ResponseWriter, r *http.Request) {
	name, ok := s.authorizeInstance(w, r)
	if !ok {
		return
	}

	qr, err := s.gw.FetchQRCode(r.Context(), name)
	if err != nil {
		var noQR *gateway.NoQRError
		switch {
		case errors.As(err, &noQR):
			// Transient: the instance has no QR in its current state.
			httpx.WriteJSON(w, http.StatusConflict, map[string]any{
				"error": "Instância ainda não gerou QR",
				"state": noQR.State,
				"retry": true,
			})
		case gateway.IsNotFound(err):
			httpx.WriteJSON(w, http.StatusNotFound, map[string]any{
				"error": "Instância não encontrada. Crie a instância para conectar.",
			})
		default:
			httpx.WriteError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"qr_image": qr})
}

func (s *Server) handleInstanceDisconnect(w http.ResponseWriter, r *http.Request) {
	name, ok := s.authorizeInstance(w, r)
	if !ok {
		return
	}

	snap, err := s.flows.Disconnect(r.Context(), name)
	if err != nil {
		httpx.WriteJSON(w, http.StatusBadGateway, map[string]any{
			"error":    err.Error(),
			"snapshot": snap,
		})
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

// authorizeInstance resolves the route's instance name and checks the
// session owns it. Admins may drive any instance.
func (s *Server) authorizeInstance(w http.ResponseWriter, r *http.Request) (string, bool) {
	a, ok := sessionFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
		return "", false
	}

	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if name == "" {
		httpx.WriteError(w, http.StatusBadRequest, "Nome da instância é obrigatório")
		return "", false
	}

	if a.Profile.Role == "admin" {
		return name, true
	}

	owned, err := s.instanceOwnedBy(r.Context(), a.User.ID, name)
	if err != nil {
		s.log.Error().Err(err).Str("instance", name).Msg("instance ownership lookup failed")
		httpx.WriteError(w, http.StatusInternalServerError, "Erro ao validar instância")
		return "", false
	}
	if !owned {
		httpx.WriteError(w, http.StatusForbidden, "Instância não pertence a esta conta")
		return "", false
	}
	return name, true
}

func (s *Server) instanceOwnedBy(ctx context.Context, userID string, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM whatsapp_accounts WHERE user_id = ? AND evolution_instance_name = ? LIMIT 1
	`, userID, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
