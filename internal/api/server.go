package api

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"zappainel/internal/auth"
	"zappainel/internal/config"
	"zappainel/internal/connect"
	"zappainel/internal/gateway"
)

type Server struct {
	db    *sql.DB
	cfg   config.Config
	log   zerolog.Logger
	gw    *gateway.Client
	authc *auth.Client
	flows *connect.Manager
	hub   *instanceHub
}

func NewServer(db *sql.DB, cfg config.Config, logger zerolog.Logger, gw *gateway.Client, authc *auth.Client) *Server {
	s := &Server{
		db:    db,
		cfg:   cfg,
		log:   logger,
		gw:    gw,
		authc: authc,
		hub:   newInstanceHub(logger),
	}
	s.flows = connect.NewManager(gw, cfg.PollInterval, cfg.PollCeiling, logger, s.onFlowUpdate)
	go s.hub.run()
	return s
}

// Shutdown stops every polling attempt.
func (s *Server) Shutdown() {
	s.flows.Shutdown()
}

// Flows exposes the connection-flow manager for background jobs.
func (s *Server) Flows() *connect.Manager {
	return s.flows
}

// BroadcastInstanceState pushes a state change to connected consoles.
func (s *Server) BroadcastInstanceState(snap connect.Snapshot) {
	s.hub.broadcast(snap)
}

// onFlowUpdate mirrors every flow state change into the hub and onto the
// matching account row. The row is non-authoritative; reads always hit the
// gateway.
func (s *Server) onFlowUpdate(snap connect.Snapshot) {
	s.hub.broadcast(snap)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.persistFlowState(ctx, snap); err != nil {
		s.log.Warn().Err(err).Str("instance", snap.Instance).Msg("persist flow state failed")
	}
}

func (s *Server) persistFlowState(ctx context.Context, snap connect.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE whatsapp_accounts
		SET
			status = ?,
			phone_number = CASE WHEN ? <> '' THEN ? ELSE phone_number END,
			evolution_token = CASE WHEN ? <> '' THEN ? ELSE evolution_token END,
			updated_at = NOW()
		WHERE evolution_instance_name = ?
	`, string(snap.State), snap.PhoneNumber, snap.PhoneNumber, snap.Token, snap.Token, snap.Instance)
	return err
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Preflight: the console is a separate origin and sends OPTIONS first.
	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		s.writeCORS(w, r)
		w.WriteHeader(http.StatusNoContent)
	})

	// Serverless-style function endpoints, kept unauthenticated like the
	// originals; they trust their caller.
	r.Route("/functions", func(r chi.Router) {
		r.Use(s.corsMiddleware)
		r.Post("/create-user-with-config", s.handleCreateUserWithConfig)
		r.Post("/delete-user", s.handleDeleteUserFunction)
	})

	// Inbound gateway events.
	r.Post("/webhooks/evolution", s.handleGatewayWebhook)

	// Authenticated console surface.
	r.Group(func(r chi.Router) {
		r.Use(s.corsMiddleware, s.requireSession)

		r.Get("/me/config", s.handleBotConfigGet)
		r.Put("/me/config", s.handleBotConfigSave)
		r.Get("/me/accounts", s.handleAccountsList)
		r.Post("/me/accounts", s.handleAccountCreate)

		r.Post("/instances/{name}/connect", s.handleInstanceConnect)
		r.Post("/instances/{name}/status", s.handleInstanceStatus)
		r.Get("/instances/{name}/qr", s.handleInstanceQR)
		r.Post("/instances/{name}/disconnect", s.handleInstanceDisconnect)
		r.Get("/instances/events", s.handleInstanceEvents)

		r.With(s.requireAdmin).Route("/admin", func(r chi.Router) {
			r.Get("/users", s.handleAdminUsersList)
			r.Post("/users", s.handleAdminUserCreate)
			r.Delete("/users/{id}", s.handleAdminUserDelete)
		})
	})

	return r
}

func (s *Server) writeCORS(w http.ResponseWriter, r *http.Request) {
	allowed := "*"
	if s.cfg.CORSAllowOrigins != "" {
		allowed = s.cfg.CORSAllowOrigins
	}
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, apikey, x-client-info")
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeCORS(w, r)
		// Preflight ends here; subrouters only register the real methods,
		// so letting OPTIONS through would 405 and fail the browser check.
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
