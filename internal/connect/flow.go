package connect

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zappainel/internal/gateway"
)

// State is the user-facing lifecycle of one instance connection.
type State string

const (
	StateIdle         State = "idle"
	StateCreating     State = "creating"
	StatePolling      State = "polling"
	StateQRReady      State = "qr_ready"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateNotFound     State = "not_found"
	StateError        State = "error"
	StateTimeout      State = "timeout"
)

var (
	ErrNameRequired   = errors.New("nome da instância é obrigatório")
	ErrNumberRequired = errors.New("número de WhatsApp é obrigatório para criar a instância")
	// ErrNumberMismatch is the hard rejection when the gateway already owns a
	// different number than the operator entered.
	ErrNumberMismatch = errors.New("numero_incorreto")
)

// Gateway is the slice of the gateway client the flow drives.
type Gateway interface {
	CreateInstance(ctx context.Context, name string, number string, token string) (gateway.InstanceRef, error)
	FetchStatus(ctx context.Context, name string) (gateway.InstanceState, error)
	FetchQRCode(ctx context.Context, name string) (string, error)
	Disconnect(ctx context.Context, name string) error
}

// Snapshot is the externally visible state of one instance's flow.
type Snapshot struct {
	Instance    string    `json:"instance"`
	State       State     `json:"state"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	QRImage     string    `json:"qr_image,omitempty"`
	Token       string    `json:"token,omitempty"`
	Message     string    `json:"message,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type flowEntry struct {
	snap   Snapshot
	cancel context.CancelFunc
	gen    uint64
}

// Manager owns one connection flow per instance name. At most one polling
// attempt is alive per instance; every state-changing action cancels the
// previous attempt before proceeding.
type Manager struct {
	gw       Gateway
	interval time.Duration
	ceiling  time.Duration
	log      zerolog.Logger
	notify   func(Snapshot)

	mu    sync.Mutex
	flows map[string]*flowEntry
}

func NewManager(gw Gateway, interval time.Duration, ceiling time.Duration, logger zerolog.Logger, notify func(Snapshot)) *Manager {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	if notify == nil {
		notify = func(Snapshot) {}
	}
	return &Manager{
		gw:       gw,
		interval: interval,
		ceiling:  ceiling,
		log:      logger,
		notify:   notify,
		flows:    make(map[string]*flowEntry),
	}
}

// Snapshot returns the last known state for an instance.
func (m *Manager) Snapshot(name string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.flows[name]
	if !ok {
		return Snapshot{Instance: name, State: StateIdle}, false
	}
	return entry.snap, true
}

// Connect creates the instance (or adopts an existing one) and starts QR
// polling. A gateway "name already in use" failure is not fatal: the
// instance exists, so the flow moves straight to polling.
func (m *Manager) Connect(ctx context.Context, name string, number string, token string) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Snapshot{}, ErrNameRequired
	}
	if strings.TrimSpace(number) == "" && m.needsNumber(name) {
		return Snapshot{}, ErrNumberRequired
	}

	m.setState(name, func(snap *Snapshot) {
		snap.State = StateCreating
		snap.QRImage = ""
		snap.Message = ""
	})

	ref, err := m.gw.CreateInstance(ctx, name, number, token)
	switch {
	case err == nil:
		m.setState(name, func(snap *Snapshot) {
			if ref.Token != "" {
				snap.Token = ref.Token
			}
		})
	case isNameInUse(err):
		m.log.Debug().Str("instance", name).Msg("instance already exists, reusing it")
	default:
		snap := m.setState(name, func(snap *Snapshot) {
			snap.State = StateError
			snap.Message = err.Error()
		})
		return snap, err
	}

	return m.startPolling(name), nil
}

// CheckStatus refreshes the instance state from the gateway. A connected
// result ends any polling; a response that already carries a QR is shown
// directly; anything else enters the polling loop.
func (m *Manager) CheckStatus(ctx context.Context, name string, enteredNumber string) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Snapshot{}, ErrNameRequired
	}

	m.cancelAttempt(name)

	state, err := m.gw.FetchStatus(ctx, name)
	if err != nil {
		if gateway.IsNotFound(err) {
			snap := m.setState(name, func(snap *Snapshot) {
				snap.State = StateNotFound
				snap.QRImage = ""
				snap.Message = "Instância não encontrada. Crie a instância para conectar."
			})
			return snap, nil
		}
		snap := m.setState(name, func(snap *Snapshot) {
			snap.State = StateError
			snap.Message = err.Error()
		})
		return snap, err
	}

	// Ownership check: a blank gateway-side number never rejects, but a
	// differing one is a hard mismatch regardless of formatting.
	if state.PhoneNumber != "" && strings.TrimSpace(enteredNumber) != "" &&
		digitsOnly(state.PhoneNumber) != digitsOnly(enteredNumber) {
		return m.snapshotOf(name), ErrNumberMismatch
	}

	switch {
	case state.Status == gateway.StatusConnected:
		snap := m.setState(name, func(snap *Snapshot) {
			snap.State = StateConnected
			snap.QRImage = ""
			snap.PhoneNumber = state.PhoneNumber
			snap.Message = ""
		})
		return snap, nil
	case state.QRImage != "":
		snap := m.setState(name, func(snap *Snapshot) {
			snap.State = StateQRReady
			snap.QRImage = state.QRImage
			snap.Message = ""
		})
		return snap, nil
	case state.Status == gateway.StatusDisconnected:
		return m.startPolling(name), nil
	default:
		return m.startPolling(name), nil
	}
}

// Disconnect logs the instance out. Already-disconnected is success.
func (m *Manager) Disconnect(ctx context.Context, name string) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Snapshot{}, ErrNameRequired
	}

	m.cancelAttempt(name)

	if err := m.gw.Disconnect(ctx, name); err != nil && !gateway.IsNotFound(err) {
		snap := m.setState(name, func(snap *Snapshot) {
			snap.State = StateError
			snap.Message = err.Error()
		})
		return snap, err
	}

	snap := m.setState(name, func(snap *Snapshot) {
		snap.State = StateDisconnected
		snap.QRImage = ""
		snap.Message = ""
	})
	return snap, nil
}

// Cancel stops any running attempt without touching the gateway. Used when
// the owning client goes away.
func (m *Manager) Cancel(name string) {
	m.cancelAttempt(name)
}

// Shutdown cancels every running attempt.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.flows {
		if entry.cancel != nil {
			entry.cancel()
			entry.cancel = nil
		}
	}
}

// needsNumber reports whether the last known state says the instance does
// not exist yet, in which case creation requires an operator number.
func (m *Manager) needsNumber(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.flows[name]
	return ok && entry.snap.State == StateNotFound
}

// startPolling replaces any previous attempt with a fresh one: an immediate
// QR fetch, then fixed-interval retries under a wall-clock ceiling measured
// from attempt start.
func (m *Manager) startPolling(name string) Snapshot {
	m.mu.Lock()
	entry := m.entryLocked(name)
	if entry.cancel != nil {
		entry.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel
	entry.gen++
	gen := entry.gen

	entry.snap.State = StatePolling
	entry.snap.QRImage = ""
	entry.snap.Message = ""
	entry.snap.UpdatedAt = time.Now()
	snap := entry.snap
	m.mu.Unlock()

	m.notify(snap)
	go m.poll(ctx, name, gen)
	return snap
}

func (m *Manager) poll(ctx context.Context, name string, gen uint64) {
	deadline := time.Now().Add(m.ceiling)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		qr, err := m.gw.FetchQRCode(ctx, name)
		if err == nil {
			m.finishAttempt(name, gen, func(snap *Snapshot) {
				snap.State = StateQRReady
				snap.QRImage = qr
				snap.Message = ""
			})
			return
		}
		if ctx.Err() != nil {
			return
		}

		var noQR *gateway.NoQRError
		if !errors.As(err, &noQR) {
			// Transient gateway and transport errors keep the retry loop
			// alive until the ceiling.
			m.log.Debug().Err(err).Str("instance", name).Msg("qr fetch failed, retrying")
		}

		if time.Now().After(deadline) {
			m.finishAttempt(name, gen, func(snap *Snapshot) {
				snap.State = StateTimeout
				snap.QRImage = ""
				snap.Message = "Tempo esgotado aguardando o QR Code. Tente conectar novamente."
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			m.finishAttempt(name, gen, func(snap *Snapshot) {
				snap.State = StateTimeout
				snap.QRImage = ""
				snap.Message = "Tempo esgotado aguardando o QR Code. Tente conectar novamente."
			})
			return
		}
	}
}

// finishAttempt applies a terminal mutation only if the attempt that
// produced it is still the current one, so a superseded attempt can never
// emit a second user-visible message.
func (m *Manager) finishAttempt(name string, gen uint64, mutate func(*Snapshot)) {
	m.mu.Lock()
	entry, ok := m.flows[name]
	if !ok || entry.gen != gen {
		m.mu.Unlock()
		return
	}
	if entry.cancel != nil {
		entry.cancel()
		entry.cancel = nil
	}
	mutate(&entry.snap)
	entry.snap.UpdatedAt = time.Now()
	snap := entry.snap
	m.mu.Unlock()

	m.notify(snap)
}

func (m *Manager) cancelAttempt(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.flows[name]; ok && entry.cancel != nil {
		entry.cancel()
		entry.cancel = nil
		entry.gen++
	}
}

func (m *Manager) setState(name string, mutate func(*Snapshot)) Snapshot {
	m.mu.Lock()
	entry := m.entryLocked(name)
	mutate(&entry.snap)
	entry.snap.UpdatedAt = time.Now()
	snap := entry.snap
	m.mu.Unlock()

	m.notify(snap)
	return snap
}

func (m *Manager) snapshotOf(name string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entryLocked(name).snap
}

func (m *Manager) entryLocked(name string) *flowEntry {
	entry, ok := m.flows[name]
	if !ok {
		entry = &flowEntry{snap: Snapshot{Instance: name, State: StateIdle}}
		m.flows[name] = entry
	}
	return entry
}

func isNameInUse(err error) bool {
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		return false
	}
	msg := strings.ToLower(ge.Message)
	return strings.Contains(msg, "already in use") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "is already") ||
		strings.Contains(msg, "já está em uso")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
