// Package simulator replays a page dependency graph under simulated network
// and CPU conditions and reports when each node would have started and
// finished.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/m-lab/lantern/graph"
	"github.com/m-lab/lantern/logging"
	"github.com/m-lab/lantern/metrics"
	"github.com/m-lab/lantern/netrecord"
	"golang.org/x/exp/slices"
)

// Errors returned by Simulate.
var (
	ErrNoProgress         = errors.New("simulation failed to start a node")
	ErrNonFinite          = errors.New("simulation reached a non-finite time step")
	ErrIterationsExceeded = errors.New("simulation exceeded the maximum number of iterations")
)

const maximumIterations = 100000

// priorityStartPenalty delays lower priority requests (seconds) when
// choosing which ready node starts first.
var priorityStartPenalty = map[netrecord.Priority]float64{
	netrecord.VeryHigh: 0,
	netrecord.High:     0.25,
	netrecord.Medium:   0.5,
	netrecord.Low:      1,
	netrecord.VeryLow:  2,
}

type nodeState int

const (
	notReady nodeState = iota
	readyToStart
	inProgress
	complete
)

// NodeTiming is the simulated timing of one node, in milliseconds since
// the simulation started.
type NodeTiming struct {
	NodeID           string            `json:"nodeId"`
	Node             *graph.Node       `json:"-"`
	StartTime        float64           `json:"startTime"`
	EndTime          float64           `json:"endTime"`
	Duration         float64           `json:"duration"`
	QueuedTime       float64           `json:"queuedTime"`
	ConnectionTiming *ConnectionTiming `json:"connectionTiming,omitempty"`
}

// Result is the outcome of one simulation.
type Result struct {
	TimeInMs float64               `json:"timeInMs"`
	Timings  map[string]NodeTiming `json:"timings"`
	// Order lists node ids by simulated start time.
	Order []string `json:"order"`
}

// Timing returns the timing of the node with the given id.
func (r *Result) Timing(id string) (NodeTiming, bool) {
	t, ok := r.Timings[id]
	return t, ok
}

// SimulateOptions vary a single simulation.
type SimulateOptions struct {
	// Label names the run for observers and metrics.
	Label string
	// FlexibleOrdering lets requests use connections regardless of the
	// observed connection reuse from the start.
	FlexibleOrdering bool
}

// Simulator simulates graphs under fixed conditions. A Simulator is safe for
// concurrent use; every call to Simulate has its own state.
type Simulator struct {
	opts Options
}

// New returns a Simulator for opts. Zero fields take the mobile slow 4G
// defaults.
func New(opts Options) *Simulator {
	return &Simulator{opts: opts.withDefaults()}
}

// Options returns the effective options of s.
func (s *Simulator) Options() Options {
	return s.opts
}

// RTT returns the simulated round trip time (ms).
func (s *Simulator) RTT() float64 {
	return s.opts.RTT
}

// Throughput returns the simulated throughput (bits per second).
func (s *Simulator) Throughput() float64 {
	return s.opts.Throughput
}

// timing is the mutable per-node bookkeeping of a run.
type timing struct {
	state                nodeState
	startPosition        float64
	topologicalIndex     int
	queuedTime           float64
	startTime            float64
	endTime              float64
	timeElapsed          float64
	timeElapsedOvershoot float64
	bytesDownloaded      float64
	estimatedTimeElapsed float64
	connectionTiming     *ConnectionTiming
}

// run is the state of one call to Simulate.
type run struct {
	opts             *Options
	graph            *graph.Graph
	label            string
	flexibleOrdering bool
	pool             *connectionPool
	dns              *dnsCache
	timings          map[*graph.Node]*timing
	ready            []*graph.Node
	inProgress       []*graph.Node
	cpuInProgress    int
	netInProgress    int
}

// Simulate runs g to completion and returns the timing of every node.
func (s *Simulator) Simulate(g *graph.Graph, so SimulateOptions) (*Result, error) {
	label := so.Label
	if label == "" {
		label = "unlabeled"
	}
	if err := s.opts.validate(); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	r := &run{
		opts:             &s.opts,
		graph:            g,
		label:            label,
		flexibleOrdering: so.FlexibleOrdering,
		dns:              newDNSCache(s.opts.RTT),
		timings:          make(map[*graph.Node]*timing, len(order)),
	}
	var records []*netrecord.Record
	for i, n := range order {
		r.timings[n] = &timing{startPosition: startPosition(n), topologicalIndex: i}
	}
	g.Traverse(func(n *graph.Node) {
		if n.Kind == graph.KindNetwork {
			records = append(records, n.Network.Record)
		}
	})
	r.pool, err = newConnectionPool(records, &s.opts)
	if err != nil {
		return nil, err
	}

	elapsed, err := r.loop()
	if err != nil {
		logging.Logger.WithError(err).WithField("label", label).Warn("simulator: simulation failed")
		return nil, err
	}
	res := r.result(elapsed)
	metrics.SimulationCount.WithLabelValues(label).Inc()
	metrics.SimulationDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	metrics.SimulatedTime.WithLabelValues(label).Observe(elapsed / 1000)
	logging.Logger.WithField("label", label).WithField("timeInMs", elapsed).WithField("nodes", len(order)).Debug("simulator: done")
	return res, nil
}

// startPosition orders ready nodes: observed start time, with network
// requests pushed back by their priority.
func startPosition(n *graph.Node) float64 {
	if n.Kind == graph.KindCPU {
		return n.StartTime()
	}
	return n.StartTime() + priorityStartPenalty[n.Network.Record.Priority]*1e6
}

func (r *run) loop() (float64, error) {
	totalElapsed := 0.0
	r.markReady(r.graph.Root(), totalElapsed)
	for iteration := 0; len(r.ready) > 0 || len(r.inProgress) > 0; iteration++ {
		for _, n := range r.sortedReady() {
			r.startIfPossible(n, totalElapsed)
		}
		if len(r.inProgress) == 0 {
			if r.flexibleOrdering {
				return 0, ErrNoProgress
			}
			logging.Logger.WithField("label", r.label).Debug("simulator: retrying with flexible ordering")
			r.flexibleOrdering = true
			continue
		}
		r.updateNetworkCapacity()
		step := r.nextCompletionTime()
		totalElapsed += step
		if math.IsInf(step, 0) || math.IsNaN(step) {
			return 0, ErrNonFinite
		}
		if iteration > maximumIterations {
			return 0, ErrIterationsExceeded
		}
		for _, n := range slices.Clone(r.inProgress) {
			if err := r.updateProgress(n, step, totalElapsed); err != nil {
				return 0, err
			}
		}
	}
	return totalElapsed, nil
}

// sortedReady returns the ready nodes by start position, CPU tasks first on
// ties, then by topological order.
func (r *run) sortedReady() []*graph.Node {
	nodes := slices.Clone(r.ready)
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := r.timings[nodes[i]], r.timings[nodes[j]]
		if a.startPosition != b.startPosition {
			return a.startPosition < b.startPosition
		}
		ac, bc := nodes[i].Kind == graph.KindCPU, nodes[j].Kind == graph.KindCPU
		if ac != bc {
			return ac
		}
		return a.topologicalIndex < b.topologicalIndex
	})
	return nodes
}

func (r *run) markReady(n *graph.Node, queuedTime float64) {
	t := r.timings[n]
	t.state = readyToStart
	t.queuedTime = queuedTime
	r.ready = append(r.ready, n)
}

func (r *run) markInProgress(n *graph.Node, startTime float64) {
	t := r.timings[n]
	t.state = inProgress
	t.startTime = startTime
	if i := slices.Index(r.ready, n); i >= 0 {
		r.ready = slices.Delete(r.ready, i, i+1)
	}
	r.inProgress = append(r.inProgress, n)
	if n.Kind == graph.KindCPU {
		r.cpuInProgress++
	} else {
		r.netInProgress++
	}
}

func (r *run) markComplete(n *graph.Node, endTime float64, ct *ConnectionTiming) {
	t := r.timings[n]
	t.state = complete
	t.endTime = endTime
	t.connectionTiming = ct
	if i := slices.Index(r.inProgress, n); i >= 0 {
		r.inProgress = slices.Delete(r.inProgress, i, i+1)
	}
	if n.Kind == graph.KindCPU {
		r.cpuInProgress--
	} else {
		r.netInProgress--
		r.pool.release(n.Network.Record)
	}
	if r.opts.Observer != nil {
		r.opts.Observer.Observe(r.label, r.nodeTiming(n))
	}
	for _, d := range r.graph.Dependents(n) {
		if r.timings[d].state != notReady {
			continue
		}
		ready := true
		for _, dep := range r.graph.Dependencies(d) {
			if r.timings[dep].state != complete {
				ready = false
				break
			}
		}
		if ready {
			r.markReady(d, endTime)
		}
	}
}

func (r *run) acquire(rec *netrecord.Record) *tcpConnection {
	return r.pool.acquire(rec, r.flexibleOrdering)
}

// startIfPossible starts n unless the main thread is busy, the request
// limit is reached, or no connection is free.
func (r *run) startIfPossible(n *graph.Node, totalElapsed float64) {
	if n.Kind == graph.KindCPU {
		if r.cpuInProgress == 0 {
			r.markInProgress(n, totalElapsed)
		}
		return
	}
	if n.Network.IsConnectionless() {
		r.markInProgress(n, totalElapsed)
		return
	}
	if r.netInProgress >= r.opts.MaximumConcurrentRequests {
		return
	}
	if r.acquire(n.Network.Record) == nil {
		return
	}
	r.markInProgress(n, totalElapsed)
}

// updateNetworkCapacity shares the throughput fairly between the requests
// in flight.
func (r *run) updateNetworkCapacity() {
	if r.netInProgress == 0 {
		return
	}
	for _, c := range r.pool.connectionsInUse() {
		c.throughput = r.opts.Throughput / float64(r.netInProgress)
	}
}

func (r *run) nextCompletionTime() float64 {
	minimum := math.Inf(1)
	for _, n := range r.inProgress {
		minimum = math.Min(minimum, r.estimateTimeRemaining(n))
	}
	return minimum
}

func (r *run) cpuDuration(n *graph.Node) float64 {
	multiplier := r.opts.CPUSlowdownMultiplier
	if n.CPU.DidPerformLayout() {
		multiplier *= r.opts.LayoutTaskMultiplier
	}
	return math.Min(math.Round(n.CPU.Event.Dur/1000*multiplier), MaximumCPUTaskDuration)
}

// connectionlessDuration returns the time a request served without a
// connection takes (ms).
func connectionlessDuration(n *graph.NetworkNode) float64 {
	sizeInMb := float64(n.Record.ResourceSize) / 1024 / 1024
	if n.FromDiskCache() {
		return 8 + 20*sizeInMb
	}
	return 2 + 10*sizeInMb
}

func (r *run) estimateTimeRemaining(n *graph.Node) float64 {
	t := r.timings[n]
	var remaining float64
	switch {
	case n.Kind == graph.KindCPU:
		t.estimatedTimeElapsed = r.cpuDuration(n) - t.timeElapsed
		return t.estimatedTimeElapsed
	case n.Network.IsConnectionless():
		remaining = connectionlessDuration(n.Network) - t.timeElapsed
	default:
		rec := n.Network.Record
		c := r.acquire(rec)
		d := c.simulateDownloadUntil(float64(rec.TransferSize)-t.bytesDownloaded, downloadOptions{
			timeAlreadyElapsed:  t.timeElapsed,
			maximumTimeToElapse: math.Inf(1),
			dnsResolutionTime:   r.dns.timeUntilResolution(rec, t.startTime, true),
		})
		remaining = d.timeElapsed
	}
	t.estimatedTimeElapsed = remaining + t.timeElapsedOvershoot
	return t.estimatedTimeElapsed
}

// updateProgress advances n by step milliseconds and completes it if its
// estimate ran out.
func (r *run) updateProgress(n *graph.Node, step, totalElapsed float64) error {
	t := r.timings[n]
	finished := t.estimatedTimeElapsed == step
	if n.Kind == graph.KindCPU || n.Network.IsConnectionless() {
		if finished {
			r.markComplete(n, totalElapsed, nil)
		} else {
			t.timeElapsed += step
		}
		return nil
	}
	rec := n.Network.Record
	c := r.acquire(rec)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNoConnection, rec.Origin)
	}
	d := c.simulateDownloadUntil(float64(rec.TransferSize)-t.bytesDownloaded, downloadOptions{
		timeAlreadyElapsed:  t.timeElapsed,
		maximumTimeToElapse: step - t.timeElapsedOvershoot,
		dnsResolutionTime:   r.dns.timeUntilResolution(rec, t.startTime, true),
	})
	c.congestionWindow = d.congestionWindow
	c.setH2OverflowBytesDownloaded(d.extraBytes)
	if finished {
		c.warmed = true
		ct := d.timing
		r.markComplete(n, totalElapsed, &ct)
		return nil
	}
	t.timeElapsed += d.timeElapsed
	t.timeElapsedOvershoot += d.timeElapsed - step
	t.bytesDownloaded += d.bytesDownloaded
	return nil
}

func (r *run) nodeTiming(n *graph.Node) NodeTiming {
	t := r.timings[n]
	return NodeTiming{
		NodeID:           n.ID,
		Node:             n,
		StartTime:        t.startTime,
		EndTime:          t.endTime,
		Duration:         t.endTime - t.startTime,
		QueuedTime:       t.queuedTime,
		ConnectionTiming: t.connectionTiming,
	}
}

func (r *run) result(elapsed float64) *Result {
	res := &Result{TimeInMs: elapsed, Timings: make(map[string]NodeTiming, len(r.timings))}
	var nodes []*graph.Node
	for n := range r.timings {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, b := r.timings[nodes[i]], r.timings[nodes[j]]
		if a.startTime != b.startTime {
			return a.startTime < b.startTime
		}
		return a.topologicalIndex < b.topologicalIndex
	})
	for _, n := range nodes {
		res.Timings[n.ID] = r.nodeTiming(n)
		res.Order = append(res.Order, n.ID)
	}
	return res
}
