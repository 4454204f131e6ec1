package flow

import (
	"sync"
	"time"
)

// TransportState is the serial link axis of the liveness tracker.
type TransportState int

const (
	TransportDisconnected TransportState = iota
	TransportConnecting
	TransportConnected
)

func (t TransportState) String() string {
	switch t {
	case TransportConnecting:
		return "Connecting"
	case TransportConnected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// FreshnessState is the data axis: whether valid samples are arriving
// within the expected cadence.
type FreshnessState int

const (
	Fresh FreshnessState = iota
	Stale
)

func (f FreshnessState) String() string {
	if f == Stale {
		return "Stale"
	}
	return "Fresh"
}

// Status is the combined display status derived from the two axes.
type Status string

const (
	StatusDisconnectedLink Status = "Disconnected"
	StatusConnecting       Status = "Connecting"
	StatusConnectedFresh   Status = "Connected-Fresh"
	StatusConnectedStale   Status = "Connected-Stale"
)

// DefaultStaleTimeout marks data stale after this long without an accepted
// sample while the link is up.
const DefaultStaleTimeout = 5 * time.Second

// Liveness tracks transport connectivity and data freshness as two
// orthogonal state variables. Transitions are idempotent, never block and
// never retry; reconnect policy belongs to the acquisition loop. Safe for
// concurrent use: the loop writes, consumers read.
type Liveness struct {
	mu           sync.Mutex
	transport    TransportState
	staleTimeout time.Duration
	lastSample   time.Time
	// abnormal records whether the last disconnect was an I/O failure
	// rather than a user request.
	abnormal   bool
	lastReason string
}

// NewLiveness returns a tracker in the Disconnected state. A timeout of
// zero or below falls back to DefaultStaleTimeout.
func NewLiveness(staleTimeout time.Duration) *Liveness {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	return &Liveness{staleTimeout: staleTimeout}
}

// SetConnecting marks the transport as opening.
func (l *Liveness) SetConnecting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transport = TransportConnecting
	l.abnormal = false
	l.lastReason = ""
}

// SetConnected marks the link up and restarts the freshness clock so a
// just-opened port is not instantly stale.
func (l *Liveness) SetConnected(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transport = TransportConnected
	l.lastSample = now
	l.abnormal = false
	l.lastReason = ""
}

// SetDisconnected marks the link down. abnormal distinguishes an I/O
// failure from a user-initiated disconnect; reason is surfaced by Reason.
// Calling it when already disconnected is a no-op beyond updating the
// reason, so disconnect stays idempotent.
func (l *Liveness) SetDisconnected(abnormal bool, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transport = TransportDisconnected
	l.abnormal = abnormal
	l.lastReason = reason
}

// ObserveSample records an accepted sample, which always restores
// freshness.
func (l *Liveness) ObserveSample(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSample = now
}

// Transport returns the transport axis.
func (l *Liveness) Transport() TransportState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport
}

// Freshness evaluates the data axis at the given instant. Freshness is only
// meaningful while Connected; otherwise it reports Fresh.
func (l *Liveness) Freshness(now time.Time) FreshnessState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transport != TransportConnected || l.lastSample.IsZero() {
		return Fresh
	}
	if now.Sub(l.lastSample) > l.staleTimeout {
		return Stale
	}
	return Fresh
}

// Status returns the combined display status at the given instant.
func (l *Liveness) Status(now time.Time) Status {
	l.mu.Lock()
	transport := l.transport
	last := l.lastSample
	timeout := l.staleTimeout
	l.mu.Unlock()

	switch transport {
	case TransportConnecting:
		return StatusConnecting
	case TransportConnected:
		if !last.IsZero() && now.Sub(last) > timeout {
			return StatusConnectedStale
		}
		return StatusConnectedFresh
	default:
		return StatusDisconnectedLink
	}
}

// Abnormal reports whether the most recent disconnect came from an I/O
// failure, and the attached reason.
func (l *Liveness) Abnormal() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.abnormal, l.lastReason
}

// LastSample returns the time of the most recently accepted sample.
func (l *Liveness) LastSample() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSample
}
