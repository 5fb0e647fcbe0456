package vpn

import (
	"sync"
	"time"

	"github.com/yllada/ocvpn/common"
)

// HealthState represents the current health of a tunnel.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// WatchdogConfig holds configuration for the stats watchdog.
type WatchdogConfig struct {
	// Interval is how often a stats report is requested.
	Interval time.Duration
	// FailureThreshold is how many intervals may pass without a report
	// before the tunnel is unhealthy.
	FailureThreshold int
	// CancelOnUnhealthy stops the session once it is unhealthy.
	CancelOnUnhealthy bool
}

// DefaultWatchdogConfig returns the default watchdog settings.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		Interval:         30 * time.Second,
		FailureThreshold: 3,
	}
}

// Monitored is what the watchdog needs from a session.
type Monitored interface {
	Status() Status
	LastStatsAt() time.Time
	Send(cmd Command) error
}

// Watchdog asks a connected session for stats every interval and tracks
// whether reports keep arriving. A tunnel whose engine stops answering is
// marked Degraded, then Unhealthy.
type Watchdog struct {
	mu             sync.RWMutex
	config         WatchdogConfig
	target         Monitored
	running        bool
	stopChan       chan struct{}
	state          HealthState
	misses         int
	primed         bool
	lastSeen       time.Time
	onHealthChange func(oldState, newState HealthState)
}

// NewWatchdog creates a watchdog for target.
func NewWatchdog(target Monitored, config WatchdogConfig) *Watchdog {
	if config.Interval <= 0 {
		config.Interval = DefaultWatchdogConfig().Interval
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultWatchdogConfig().FailureThreshold
	}
	return &Watchdog{
		config:   config,
		target:   target,
		stopChan: make(chan struct{}),
	}
}

// SetOnHealthChange sets a callback for health state changes.
func (w *Watchdog) SetOnHealthChange(callback func(oldState, newState HealthState)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onHealthChange = callback
}

// Start begins the watchdog loop.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	common.LogInfo("Watchdog started (interval: %v)", w.config.Interval)

	go w.runLoop()
}

// Stop stops the watchdog loop.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	common.LogInfo("Watchdog stopped")
}

// IsRunning returns whether the watchdog is currently running.
func (w *Watchdog) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// State returns the current health state.
func (w *Watchdog) State() HealthState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Watchdog) runLoop() {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check evaluates the report received since the previous tick and
// requests the next one. The first tick only primes.
func (w *Watchdog) check() {
	if w.target.Status().Kind != StatusConnected {
		return
	}

	seen := w.target.LastStatsAt()

	w.mu.Lock()
	oldState := w.state
	if seen.After(w.lastSeen) {
		w.lastSeen = seen
		w.misses = 0
		w.state = HealthHealthy
	} else if w.primed {
		w.misses++
		common.LogWarn("No stats report from engine (miss %d/%d)", w.misses, w.config.FailureThreshold)
		if w.misses >= w.config.FailureThreshold {
			w.state = HealthUnhealthy
		} else {
			w.state = HealthDegraded
		}
	}
	w.primed = true
	newState := w.state
	callback := w.onHealthChange
	w.mu.Unlock()

	if oldState != newState {
		common.LogInfo("Tunnel health changed: %s -> %s", oldState, newState)
		if callback != nil {
			callback(oldState, newState)
		}
		if newState == HealthUnhealthy && w.config.CancelOnUnhealthy {
			common.LogWarn("Tunnel unhealthy, cancelling session")
			if err := w.target.Send(CommandCancel); err != nil {
				common.LogError("Watchdog cancel failed: %v", err)
			}
			return
		}
	}

	if err := w.target.Send(CommandStats); err != nil {
		common.LogWarn("Watchdog stats request failed: %v", err)
	}
}
