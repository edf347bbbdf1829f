package checkout

import (
	"context"
	"sync"
	"time"

	"rently/internal/payment"
	"rently/internal/realtime"
	"rently/internal/session"
	"rently/pkg/logger"
)

// ManagerConfig holds the shared knobs for all checkout flows
type ManagerConfig struct {
	PollInterval time.Duration
	QR           payment.QRConfig
}

// Manager owns one coordinator per (user, vehicle) pair. Coordinators are
// created lazily on first access and live until torn down or shutdown;
// re-attaching to an existing one is what lets a flow survive the user
// navigating away and back.
type Manager struct {
	cfg         ManagerConfig
	api         BookingAPI
	eligibility EligibilityChecker
	loader      PaymentLoader
	store       session.Store
	realtime    *realtime.Client
	log         *logger.Logger

	mu    sync.Mutex
	flows map[flowKey]*Coordinator

	ctx    context.Context
	cancel context.CancelFunc
}

type flowKey struct {
	userID    string
	vehicleID string
}

// NewManager creates the coordinator manager. realtimeClient may be nil
// when the push channel is disabled; flows then rely on polling alone.
func NewManager(cfg ManagerConfig, api BookingAPI, eligibility EligibilityChecker,
	loader PaymentLoader, store session.Store, realtimeClient *realtime.Client, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.GetDefault()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		api:         api,
		eligibility: eligibility,
		loader:      loader,
		store:       store,
		realtime:    realtimeClient,
		log:         log,
		flows:       make(map[flowKey]*Coordinator),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Flow returns the coordinator for a (user, vehicle) pair, starting one if
// none is running. A freshly started coordinator resumes any persisted
// session before taking commands.
func (m *Manager) Flow(userID, vehicleID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := flowKey{userID: userID, vehicleID: vehicleID}
	if coord, ok := m.flows[key]; ok {
		return coord
	}

	coord := New(Config{
		UserID:       userID,
		VehicleID:    vehicleID,
		PollInterval: m.cfg.PollInterval,
		QR:           m.cfg.QR,
	}, m.api, m.eligibility, m.loader, m.store, m.connectFunc(userID), m.log.WithVehicleID(vehicleID))
	coord.Start(m.ctx)
	m.flows[key] = coord
	return coord
}

// Status reports the snapshot for a pair without keeping an idle
// coordinator around. A running flow answers directly and a persisted
// session starts one so it can resume; anything else is a plain Idle
// view with nothing started.
func (m *Manager) Status(ctx context.Context, userID, vehicleID string) Snapshot {
	if coord, ok := m.Peek(userID, vehicleID); ok {
		return coord.Snapshot()
	}
	if sess, ok := m.store.Get(ctx, userID, vehicleID); ok && sess.BookingID != "" {
		return m.Flow(userID, vehicleID).Snapshot()
	}
	return Snapshot{State: StateIdle, VehicleID: vehicleID}
}

// Peek returns the running coordinator for a pair without starting one
func (m *Manager) Peek(userID, vehicleID string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coord, ok := m.flows[flowKey{userID: userID, vehicleID: vehicleID}]
	return coord, ok
}

// Teardown stops and forgets the coordinator for a pair. The persisted
// session is left in place so the flow can resume later.
func (m *Manager) Teardown(userID, vehicleID string) bool {
	m.mu.Lock()
	key := flowKey{userID: userID, vehicleID: vehicleID}
	coord, ok := m.flows[key]
	if ok {
		delete(m.flows, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	coord.Stop()
	return true
}

// Shutdown stops every running coordinator. Used on server shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	flows := make([]*Coordinator, 0, len(m.flows))
	for _, coord := range m.flows {
		flows = append(flows, coord)
	}
	m.flows = make(map[flowKey]*Coordinator)
	m.mu.Unlock()

	m.cancel()
	for _, coord := range flows {
		<-coord.done
	}
}

// connectFunc binds the shared realtime client to one user's payment
// channel. All of a user's flows share the channel name; each coordinator
// holds its own handle with its own reconnect loop.
func (m *Manager) connectFunc(userID string) ConnectFunc {
	if m.realtime == nil {
		return nil
	}
	return func(ctx context.Context) PushChannel {
		return m.realtime.Connect(ctx, "payment:"+userID)
	}
}
