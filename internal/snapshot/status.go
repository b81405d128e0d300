package snapshot

import "time"

// SystemStatus classifies sampled load as OK or overloaded. The autoscaled
// pool scales up only when the system has been OK over the full window and
// scales down as soon as the short window turns bad.
type SystemStatus interface {
	IsOkNow() bool
	IsOkHistorically() bool
}

// Status implements SystemStatus over a Snapshotter.
type Status struct {
	snap *Snapshotter

	// ShortWindow is the recency window for IsOkNow.
	ShortWindow time.Duration
	// MaxOverloadedRatio is the tolerated fraction of overloaded samples.
	MaxOverloadedRatio float64
}

// NewStatus creates a Status with the default 5s short window and 0.4
// overload ratio.
func NewStatus(snap *Snapshotter) *Status {
	return &Status{
		snap:               snap,
		ShortWindow:        5 * time.Second,
		MaxOverloadedRatio: 0.4,
	}
}

// IsOkNow reports whether the overloaded-sample ratio over the short window
// stays under the threshold. An empty window counts as OK.
func (s *Status) IsOkNow() bool {
	return s.okOver(s.ShortWindow)
}

// IsOkHistorically reports the same over the full sampling window.
func (s *Status) IsOkHistorically() bool {
	return s.okOver(s.snap.FullWindow())
}

// okOver computes the fraction of samples, across all dimensions, that were
// overloaded within the window. A sample where any dimension is overloaded
// counts against the ratio.
func (s *Status) okOver(window time.Duration) bool {
	samples := s.snap.SamplesSince(window)
	if len(samples) == 0 {
		return true
	}
	overloaded := 0
	for _, smp := range samples {
		if smp.Overloaded {
			overloaded++
		}
	}
	ratio := float64(overloaded) / float64(len(samples))
	return ratio < s.MaxOverloadedRatio
}
