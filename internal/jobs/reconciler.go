package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"zappainel/internal/connect"
	"zappainel/internal/gateway"
)

// Broadcaster receives state changes discovered outside a user action.
type Broadcaster interface {
	BroadcastInstanceState(snap connect.Snapshot)
}

// StatusFetcher is the slice of the gateway client the reconciler drives.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, name string) (gateway.InstanceState, error)
}

// Reconciler periodically refreshes the stored status of every registered
// account from the gateway. Purely best-effort: gateway errors are logged
// and the row is skipped.
type Reconciler struct {
	cron *cron.Cron
	db   *sql.DB
	gw   StatusFetcher
	hub  Broadcaster
	log  zerolog.Logger
}

type accountRow struct {
	name   string
	status string
	phone  string
}

func NewReconciler(db *sql.DB, gw StatusFetcher, hub Broadcaster, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		cron: cron.New(cron.WithSeconds()),
		db:   db,
		gw:   gw,
		hub:  hub,
		log:  logger,
	}
}

func (r *Reconciler) Start(spec string) error {
	if _, err := r.cron.AddFunc(spec, r.runOnce); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop waits for an in-flight run to finish, up to a grace period.
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}

func (r *Reconciler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT evolution_instance_name, status, phone_number FROM whatsapp_accounts
	`)
	if err != nil {
		r.log.Error().Err(err).Msg("reconcile: account scan failed")
		return
	}
	defer rows.Close()

	accounts := []accountRow{}
	for rows.Next() {
		var acc accountRow
		if err := rows.Scan(&acc.name, &acc.status, &acc.phone); err != nil {
			r.log.Error().Err(err).Msg("reconcile: row scan failed")
			return
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		r.log.Error().Err(err).Msg("reconcile: rows failed")
		return
	}

	for _, acc := range accounts {
		snap, stale := r.observe(ctx, acc)
		if !stale {
			continue
		}
		if r.update(ctx, snap.Instance, string(snap.State), snap.PhoneNumber) {
			r.hub.BroadcastInstanceState(snap)
		}
	}
}

// observe fetches the gateway state for one account and reports whether the
// stored row is stale. Unchanged rows produce neither an update nor a
// broadcast.
func (r *Reconciler) observe(ctx context.Context, acc accountRow) (connect.Snapshot, bool) {
	state, err := r.gw.FetchStatus(ctx, acc.name)
	if err != nil {
		if gateway.IsNotFound(err) {
			if acc.status == string(connect.StateNotFound) {
				return connect.Snapshot{}, false
			}
			return connect.Snapshot{
				Instance:  acc.name,
				State:     connect.StateNotFound,
				UpdatedAt: time.Now(),
			}, true
		}
		r.log.Warn().Err(err).Str("instance", acc.name).Msg("reconcile: status fetch failed")
		return connect.Snapshot{}, false
	}

	next := statusToState(state.Status)
	if string(next) == acc.status && (state.PhoneNumber == "" || state.PhoneNumber == acc.phone) {
		return connect.Snapshot{}, false
	}
	return connect.Snapshot{
		Instance:    acc.name,
		State:       next,
		PhoneNumber: state.PhoneNumber,
		UpdatedAt:   time.Now(),
	}, true
}

func (r *Reconciler) update(ctx context.Context, name string, status string, phone string) bool {
	_, err := r.db.ExecContext(ctx, `
		UPDATE whatsapp_accounts
		SET
			status = ?,
			phone_number = CASE WHEN ? <> '' THEN ? ELSE phone_number END,
			updated_at = NOW()
		WHERE evolution_instance_name = ?
	`, status, phone, phone, name)
	if err != nil {
		r.log.Error().Err(err).Str("instance", name).Msg("reconcile: update failed")
		return false
	}
	return true
}

func statusToState(status gateway.Status) connect.State {
	switch status {
	case gateway.StatusConnected:
		return connect.StateConnected
	case gateway.StatusDisconnected:
		return connect.StateDisconnected
	case gateway.StatusQRReady:
		return connect.StateQRReady
	case gateway.StatusConnecting:
		return connect.StatePolling
	default:
		return connect.StateIdle
	}
}
