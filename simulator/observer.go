package simulator

import (
	"sort"
	"sync"
)

// Observer is told about every node a simulation completes.
type Observer interface {
	Observe(label string, t NodeTiming)
}

// Recorder is an Observer that keeps the node timings of every run by
// label. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	timings map[string][]NodeTiming
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{timings: map[string][]NodeTiming{}}
}

// Observe records t under label.
func (r *Recorder) Observe(label string, t NodeTiming) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings[label] = append(r.timings[label], t)
}

// Labels returns the recorded labels in sorted order.
func (r *Recorder) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	labels := make([]string, 0, len(r.timings))
	for l := range r.timings {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Timings returns the node timings recorded under label, in completion
// order.
func (r *Recorder) Timings(label string) []NodeTiming {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]NodeTiming(nil), r.timings[label]...)
}
