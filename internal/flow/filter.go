package flow

import "gonum.org/v1/gonum/stat"

// DefaultWindowSize matches the firmware's own on-board smoothing window so
// host- and device-reported rates stay comparable.
const DefaultWindowSize = 10

// MovingAverage smooths a rate signal over a fixed trailing window. Until
// the window fills, the mean covers only the values pushed so far. Negative
// inputs never reach the filter: the parser rejects them upstream.
//
// MovingAverage is deterministic and carries no state beyond the window. It
// is not safe for concurrent use; the acquisition loop is its only caller.
type MovingAverage struct {
	window []float64
	next   int
}

// NewMovingAverage returns a filter with the given window size. Sizes below
// one fall back to DefaultWindowSize.
func NewMovingAverage(size int) *MovingAverage {
	if size < 1 {
		size = DefaultWindowSize
	}
	return &MovingAverage{window: make([]float64, 0, size)}
}

// Push adds a raw value and returns the current smoothed value.
func (m *MovingAverage) Push(raw float64) float64 {
	if len(m.window) < cap(m.window) {
		m.window = append(m.window, raw)
	} else {
		m.window[m.next] = raw
		m.next = (m.next + 1) % cap(m.window)
	}
	return stat.Mean(m.window, nil)
}

// Len reports how many values the window currently holds.
func (m *MovingAverage) Len() int { return len(m.window) }

// Reset empties the window for a new session.
func (m *MovingAverage) Reset() {
	m.window = m.window[:0]
	m.next = 0
}
