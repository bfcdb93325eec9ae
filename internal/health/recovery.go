package health

import (
	"time"

	"github.com/signalops/truthengine/internal/observ"
)

// Start launches the background auto-recovery loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Duration(m.cfg.RecoveryTickSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.RecoveryTick()
			}
		}
	}()
}

// Stop terminates the auto-recovery loop and waits for it.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// RecoveryTick runs one pass over offline components: for each with
// auto-recovery enabled, attempts remaining, and its backoff interval
// elapsed, run the verification probe and bring the component online on
// success. Exposed for deterministic tests.
func (m *Manager) RecoveryTick() {
	m.mu.Lock()
	now := m.now()
	type attempt struct {
		name  string
		probe Probe
	}
	var due []attempt
	for name, c := range m.components {
		if c.State != StateOffline || !c.AutoRecovery {
			continue
		}
		if c.Attempts >= c.MaxAttempts {
			c.AutoRecovery = false
			observ.Critical("component_recovery_exhausted", map[string]any{
				"component": name,
				"attempts":  c.Attempts,
			})
			continue
		}
		if !c.LastAttempt.IsZero() && now.Sub(c.LastAttempt) < m.retryInterval(c.Attempts) {
			continue
		}
		probe := m.probes[name]
		if probe == nil {
			continue // no probe registered, manual recovery only
		}
		c.LastAttempt = now
		due = append(due, attempt{name: name, probe: probe})
	}
	m.mu.Unlock()

	// Probes run outside the lock; they may touch files or the network.
	for _, a := range due {
		err := a.probe()
		observ.IncCounter("component_recovery_attempts_total", map[string]string{"component": a.name})
		if err != nil {
			observ.Log("component_probe_failed", map[string]any{
				"component": a.name,
				"error":     err.Error(),
			})
			m.BringOnline(a.name, false)
			continue
		}
		m.BringOnline(a.name, true)
	}
}

// retryInterval doubles per failed attempt up to the configured cap.
func (m *Manager) retryInterval(attempts int) time.Duration {
	base := time.Duration(m.cfg.RetryBaseSec) * time.Second
	max := time.Duration(m.cfg.RetryMaxSec) * time.Second
	iv := base
	for i := 0; i < attempts && iv < max; i++ {
		iv *= 2
	}
	if iv > max {
		iv = max
	}
	return iv
}
