package flow

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// DefaultSeriesCapacity holds a bit over eight minutes at the sensor's 1 Hz
// reporting rate.
const DefaultSeriesCapacity = 500

// Series is the bounded, time-ordered store of smoothed points consumed by
// rendering and export. It is a ring: appends beyond capacity overwrite the
// oldest point in O(1). The acquisition loop is the sole writer; any
// goroutine may snapshot.
type Series struct {
	mu     sync.RWMutex
	points []Point
	head   int // index of the oldest point once the ring is full
	cap    int
}

// NewSeries returns an empty store with the given capacity. Capacities
// below one fall back to DefaultSeriesCapacity.
func NewSeries(capacity int) *Series {
	if capacity < 1 {
		capacity = DefaultSeriesCapacity
	}
	return &Series{points: make([]Point, 0, capacity), cap: capacity}
}

// Append adds a point, evicting the oldest first when full.
func (s *Series) Append(p Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.points) < s.cap {
		s.points = append(s.points, p)
		return
	}
	s.points[s.head] = p
	s.head = (s.head + 1) % s.cap
}

// Snapshot returns a copy of the stored points in append order. The copy is
// isolated: a concurrent Append never mutates a returned slice.
func (s *Series) Snapshot() []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Point, len(s.points))
	for i := range s.points {
		out[i] = s.points[(s.head+i)%len(s.points)]
	}
	return out
}

// Len reports the number of stored points.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Reset clears all points. This is the only way cumulative volume tracking
// restarts; the caller re-bases its session alongside.
func (s *Series) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = s.points[:0]
	s.head = 0
}

// Stats summarises the current window for status displays.
type Stats struct {
	Count      int     `json:"count"`
	MeanRate   float64 `json:"mean_rate"`
	MaxRate    float64 `json:"max_rate"`
	LastRate   float64 `json:"last_rate"`
	LastVolume float64 `json:"last_volume"`
}

// Stats computes summary statistics over the stored points.
func (s *Series) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Count: len(s.points)}
	if len(s.points) == 0 {
		return st
	}
	rates := make([]float64, len(s.points))
	for i, p := range s.points {
		rates[i] = p.Smoothed
		if p.Smoothed > st.MaxRate {
			st.MaxRate = p.Smoothed
		}
	}
	st.MeanRate = stat.Mean(rates, nil)
	last := s.points[(s.head+len(s.points)-1)%len(s.points)]
	st.LastRate = last.Smoothed
	st.LastVolume = last.Volume
	return st
}
