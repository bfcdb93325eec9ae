package health

import (
	"sync"
	"time"

	"github.com/signalops/truthengine/internal/config"
	"github.com/signalops/truthengine/internal/observ"
)

// Component names known at manager start. Additional names may be
// registered by callers; these are the engine's own subsystems.
const (
	MarketData           = "market_data"
	PriceConsensus       = "price_consensus"
	ValidationGate       = "validation_gate"
	SignalTracker        = "signal_tracker"
	ConfirmationListener = "confirmation_listener"
)

// DefaultDependents is the static dependency map: taking a key offline
// cascades to every name in its list.
func DefaultDependents() map[string][]string {
	return map[string][]string{
		MarketData:     {PriceConsensus, SignalTracker},
		PriceConsensus: {SignalTracker},
		ValidationGate: {ConfirmationListener},
	}
}

type State string

const (
	StateOnline  State = "ONLINE"
	StateOffline State = "OFFLINE"
)

// OfflineReason enumerates why a component was taken offline.
type OfflineReason string

const (
	ReasonDependencyFailure  OfflineReason = "dependency_failure"
	ReasonDataUnavailable    OfflineReason = "data_unavailable"
	ReasonVerificationFailed OfflineReason = "verification_failed"
	ReasonPersistenceFailure OfflineReason = "persistence_failure"
	ReasonManual             OfflineReason = "manual"
)

// ComponentHealth is one entry in the health table. Created at manager
// start, mutated only by the manager, never deleted.
type ComponentHealth struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	Reason       OfflineReason `json:"reason,omitempty"`
	Details      string        `json:"details,omitempty"`
	OfflineSince time.Time     `json:"offline_since,omitempty"`
	LastAttempt  time.Time     `json:"last_attempt,omitempty"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
	AutoRecovery bool          `json:"auto_recovery"`
	Dependents   []string      `json:"dependents,omitempty"`
}

// SystemStatus is the aggregate answer to "how healthy are we".
type SystemStatus struct {
	State       string                     `json:"state"` // operational|degraded|limited|critical
	HealthPct   float64                    `json:"health_pct"`
	OnlineCount int                        `json:"online_count"`
	TotalCount  int                        `json:"total_count"`
	Components  map[string]ComponentHealth `json:"components"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// Probe verifies a component is actually able to serve before it is
// brought back online.
type Probe func() error

// Manager owns ONLINE/OFFLINE state for every named component and drives
// bounded, backing-off auto-recovery.
type Manager struct {
	cfg config.Health

	mu         sync.Mutex
	components map[string]*ComponentHealth
	dependents map[string][]string
	probes     map[string]Probe

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewManager(cfg config.Health, dependents map[string][]string) *Manager {
	if dependents == nil {
		dependents = DefaultDependents()
	}
	m := &Manager{
		cfg:        cfg,
		components: make(map[string]*ComponentHealth),
		dependents: dependents,
		probes:     make(map[string]Probe),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	for _, name := range []string{
		MarketData, PriceConsensus, ValidationGate, SignalTracker, ConfirmationListener,
	} {
		m.register(name)
	}
	return m
}

func (m *Manager) register(name string) {
	m.components[name] = &ComponentHealth{
		Name:         name,
		State:        StateOnline,
		MaxAttempts:  m.cfg.MaxRecoveryAttempts,
		AutoRecovery: true,
		Dependents:   m.dependents[name],
	}
}

// Register adds a component not known at construction. Idempotent.
func (m *Manager) Register(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.components[name]; !ok {
		m.register(name)
	}
}

// SetProbe installs the verification probe used by auto-recovery.
func (m *Manager) SetProbe(name string, p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = p
}

// Online reports whether a component may act on live data.
func (m *Manager) Online(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	return ok && c.State == StateOnline
}

// TakeOffline transitions a component to OFFLINE and cascades to its
// declared dependents. Already-offline components get their reason and
// details refreshed idempotently, with no second cascade.
func (m *Manager) TakeOffline(name string, reason OfflineReason, details string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.takeOfflineLocked(name, reason, details)
}

func (m *Manager) takeOfflineLocked(name string, reason OfflineReason, details string) {
	c, ok := m.components[name]
	if !ok {
		return
	}
	if c.State == StateOffline {
		c.Reason = reason
		c.Details = details
		return
	}

	c.State = StateOffline
	c.Reason = reason
	c.Details = details
	c.OfflineSince = m.now()
	c.Attempts = 0
	c.AutoRecovery = true

	observ.Critical("component_offline", map[string]any{
		"component": name,
		"reason":    string(reason),
		"details":   details,
	})
	observ.IncCounter("component_offline_total", map[string]string{
		"component": name, "reason": string(reason),
	})
	observ.SetGauge("component_online", 0, map[string]string{"component": name})

	for _, dep := range m.dependents[name] {
		m.takeOfflineLocked(dep, ReasonDependencyFailure, "upstream "+name+" offline: "+details)
	}
}

// BringOnline restores a component if verification passed. A failed
// verification counts as an attempt and leaves the component offline.
// Dependents are NOT restored; each must re-verify on its own.
func (m *Manager) BringOnline(name string, verificationPassed bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[name]
	if !ok {
		return false
	}
	if c.State == StateOnline {
		return true
	}

	if !verificationPassed {
		c.Attempts++
		c.LastAttempt = m.now()
		observ.IncCounter("component_recovery_failed_total", map[string]string{"component": name})
		return false
	}

	downFor := m.now().Sub(c.OfflineSince)
	c.State = StateOnline
	c.Reason = ""
	c.Details = ""
	c.OfflineSince = time.Time{}
	c.Attempts = 0
	c.AutoRecovery = true

	observ.Log("component_recovered", map[string]any{
		"component":    name,
		"offline_secs": downFor.Seconds(),
	})
	observ.SetGauge("component_online", 1, map[string]string{"component": name})
	return true
}

// GetSystemStatus snapshots every component plus the aggregate state.
func (m *Manager) GetSystemStatus() SystemStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	comps := make(map[string]ComponentHealth, len(m.components))
	online := 0
	for name, c := range m.components {
		cp := *c
		cp.Dependents = append([]string(nil), c.Dependents...)
		if c.State == StateOnline {
			online++
		}
		comps[name] = cp
	}

	total := len(m.components)
	pct := 100.0
	if total > 0 {
		pct = float64(online) / float64(total) * 100
	}
	return SystemStatus{
		State:       systemState(pct),
		HealthPct:   pct,
		OnlineCount: online,
		TotalCount:  total,
		Components:  comps,
		GeneratedAt: m.now().UTC(),
	}
}

func systemState(pct float64) string {
	switch {
	case pct >= 100:
		return "operational"
	case pct >= 75:
		return "degraded"
	case pct >= 50:
		return "limited"
	default:
		return "critical"
	}
}
