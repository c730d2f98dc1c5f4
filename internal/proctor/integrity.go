package proctor

import (
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Monitor is a single-shot edge detector over the two environment signals.
// While armed, the first signal of either kind becomes the violation and the
// monitor disarms itself; everything after that is ignored.
type Monitor struct {
	clock       Clock
	onViolation func(model.IntegrityEvent)

	mu        sync.Mutex
	armed     bool
	violation *model.IntegrityEvent
}

// NewMonitor creates a disarmed monitor.
func NewMonitor(clock Clock, onViolation func(model.IntegrityEvent)) *Monitor {
	return &Monitor{clock: clock, onViolation: onViolation}
}

// Arm starts listening. A monitor that already fired cannot be re-armed.
func (m *Monitor) Arm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.violation == nil {
		m.armed = true
	}
}

// Disarm stops listening without recording anything.
func (m *Monitor) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = false
}

// Armed reports whether the next signal would count.
func (m *Monitor) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// FocusLost handles loss of window or tab focus.
func (m *Monitor) FocusLost() bool { return m.Signal(model.IntegrityFocusLost) }

// FullscreenExited handles leaving fullscreen presentation.
func (m *Monitor) FullscreenExited() bool { return m.Signal(model.IntegrityFullscreenExited) }

// Signal feeds one environment signal. It reports whether the signal was
// counted as the violation.
func (m *Monitor) Signal(kind model.IntegrityKind) bool {
	m.mu.Lock()
	if !m.armed {
		m.mu.Unlock()
		return false
	}
	ev := model.IntegrityEvent{Kind: kind, OccurredAt: m.clock.Now()}
	m.violation = &ev
	m.armed = false
	m.mu.Unlock()

	if m.onViolation != nil {
		m.onViolation(ev)
	}
	return true
}

// Violation returns the retained violation, if any.
func (m *Monitor) Violation() (model.IntegrityEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.violation == nil {
		return model.IntegrityEvent{}, false
	}
	return *m.violation, true
}
