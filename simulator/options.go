package simulator

import (
	"errors"
	"math"
)

// Mobile slow 4G network and CPU conditions, the default simulated
// environment.
const (
	MobileSlow4GRTT                   = 150
	MobileSlow4GThroughputKbps        = 1.6 * 1024
	MobileSlow4GCPUSlowdownMultiplier = 4
)

const (
	// DefaultMaximumConcurrentRequests bounds the requests in flight. Fewer
	// are used when the throughput saturates sooner.
	DefaultMaximumConcurrentRequests = 10
	// DefaultLayoutTaskMultiplier scales the CPU slowdown of layout tasks.
	DefaultLayoutTaskMultiplier = 0.5
	// MaximumCPUTaskDuration caps a single simulated CPU task (ms).
	MaximumCPUTaskDuration = 10000
)

// ErrInvalidOptions is returned for options the network model cannot use.
var ErrInvalidOptions = errors.New("invalid simulator options")

// Options are the conditions a graph is simulated under. RTT and server
// response times are in milliseconds, Throughput in bits per second.
type Options struct {
	RTT                       float64
	Throughput                float64
	MaximumConcurrentRequests int
	CPUSlowdownMultiplier     float64
	// LayoutTaskMultiplier is relative to CPUSlowdownMultiplier.
	LayoutTaskMultiplier       float64
	AdditionalRTTByOrigin      map[string]float64
	ServerResponseTimeByOrigin map[string]float64

	// Observer, when set, is told about every completed node.
	Observer Observer
}

// withDefaults fills the zero fields of opts with the mobile slow 4G
// defaults.
func (opts Options) withDefaults() Options {
	if opts.RTT == 0 {
		opts.RTT = MobileSlow4GRTT
	}
	if opts.Throughput == 0 {
		opts.Throughput = MobileSlow4GThroughputKbps * 1024
	}
	if opts.MaximumConcurrentRequests == 0 {
		n := maximumSaturatedConnections(opts.RTT, opts.Throughput)
		opts.MaximumConcurrentRequests = max(min(n, DefaultMaximumConcurrentRequests), 1)
	}
	if opts.CPUSlowdownMultiplier == 0 {
		opts.CPUSlowdownMultiplier = MobileSlow4GCPUSlowdownMultiplier
	}
	if opts.LayoutTaskMultiplier == 0 {
		opts.LayoutTaskMultiplier = DefaultLayoutTaskMultiplier
	}
	if opts.AdditionalRTTByOrigin == nil {
		opts.AdditionalRTTByOrigin = map[string]float64{}
	}
	if opts.ServerResponseTimeByOrigin == nil {
		opts.ServerResponseTimeByOrigin = map[string]float64{}
	}
	return opts
}

func (opts *Options) validate() error {
	for _, v := range []float64{opts.RTT, opts.Throughput, opts.CPUSlowdownMultiplier, opts.LayoutTaskMultiplier} {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidOptions
		}
	}
	if opts.MaximumConcurrentRequests < 0 {
		return ErrInvalidOptions
	}
	return nil
}
