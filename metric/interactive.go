package metric

import (
	"math"
	"sort"

	"github.com/m-lab/lantern/graph"
	"github.com/m-lab/lantern/netrecord"
	"github.com/m-lab/lantern/simulator"
	"github.com/m-lab/lantern/trace"
)

const (
	// criticalLongTaskThreshold is the shortest task (ms) kept in the
	// optimistic interactive graph.
	criticalLongTaskThreshold = 20
	// longTaskThreshold is the shortest task (ms) that delays interactivity.
	longTaskThreshold = 50
	// requiredQuietWindow is how long (ms) the network and main thread must
	// be quiet for the page to be interactive.
	requiredQuietWindow = 5000
	// allowedConcurrentRequests is the most requests a quiet network has in
	// flight.
	allowedConcurrentRequests = 2
)

var interactiveCoefficients = Coefficients{Intercept: 0, Optimistic: 0.45, Pessimistic: 0.55}

// interactiveOptimisticGraph keeps the tasks that might be long and the
// important non-image requests.
func interactiveOptimisticGraph(g *graph.Graph, _ *trace.Processed) (*graph.Graph, error) {
	return g.CloneWithRelationships(func(n *graph.Node) bool {
		if n.Kind == graph.KindCPU {
			return n.CPU.Event.Dur > criticalLongTaskThreshold*1000
		}
		r := n.Network.Record
		if r.ResourceType == netrecord.Image {
			return false
		}
		return r.ResourceType == netrecord.Script || r.Priority == netrecord.High || r.Priority == netrecord.VeryHigh
	}), nil
}

func fullGraph(g *graph.Graph, _ *trace.Processed) (*graph.Graph, error) {
	return g, nil
}

// lastLongTaskEnd returns the end of the last simulated CPU task longer
// than longTaskThreshold.
func lastLongTaskEnd(res *simulator.Result) float64 {
	last := 0.0
	for _, id := range res.Order {
		t := res.Timings[id]
		if t.Node.Kind == graph.KindCPU && t.Duration > longTaskThreshold {
			last = math.Max(last, t.EndTime)
		}
	}
	return last
}

// Interactive simulates the time to interactive: the end of the last long
// task, but never before the first meaningful paint.
func Interactive(in *Inputs, fmp *Result) (*Result, error) {
	if err := requireLantern(TTI, fmp); err != nil {
		return nil, err
	}
	r, err := compute(in, lantern{
		name:         TTI,
		coefficients: interactiveCoefficients,
		optimistic:   interactiveOptimisticGraph,
		pessimistic:  fullGraph,
		estimate: func(res *simulator.Result, optimistic bool) (float64, error) {
			minimum := fmp.Pessimistic.TimeInMs
			if optimistic {
				minimum = fmp.Optimistic.TimeInMs
			}
			return math.Max(minimum, lastLongTaskEnd(res)), nil
		},
	})
	if err != nil {
		return nil, err
	}
	r.Timing = math.Max(r.Timing, fmp.Timing)
	return r, nil
}

// period is a time window in milliseconds.
type period struct {
	start, end float64
}

var ignoredNetworkSchemes = map[string]bool{"data": true, "ws": true, "wss": true}

// networkQuietPeriods returns the windows (absolute ms) with at most
// allowed requests in flight, up to end.
func networkQuietPeriods(records []*netrecord.Record, allowed int, end float64) []period {
	type boundary struct {
		time    float64
		isStart bool
	}
	var boundaries []boundary
	for _, r := range records {
		if !r.Finished || r.Failed || r.StatusCode >= 400 || ignoredNetworkSchemes[r.Scheme] {
			continue
		}
		if t := r.StartTime * 1000; t <= end {
			boundaries = append(boundaries, boundary{time: t, isStart: true})
		}
		if t := r.EndTime * 1000; t <= end {
			boundaries = append(boundaries, boundary{time: t, isStart: false})
		}
	}
	sort.SliceStable(boundaries, func(i, j int) bool {
		return boundaries[i].time < boundaries[j].time
	})

	var periods []period
	inflight := 0
	quietStart := 0.0
	for _, b := range boundaries {
		if b.isStart {
			if inflight == allowed {
				periods = append(periods, period{start: quietStart, end: b.time})
			}
			inflight++
			continue
		}
		inflight--
		if inflight == allowed {
			quietStart = b.time
		}
	}
	if inflight <= allowed {
		periods = append(periods, period{start: quietStart, end: end})
	}
	var out []period
	for _, p := range periods {
		if p.start != p.end {
			out = append(out, p)
		}
	}
	return out
}

// cpuQuietPeriods returns the windows (absolute ms) between long tasks,
// which are relative to navigation start.
func cpuQuietPeriods(longTasks []trace.Task, navStartMs, end float64) []period {
	if len(longTasks) == 0 {
		return []period{{start: 0, end: end}}
	}
	var periods []period
	for i, task := range longTasks {
		if i == 0 {
			periods = append(periods, period{start: 0, end: task.Start + navStartMs})
		}
		if i == len(longTasks)-1 {
			periods = append(periods, period{start: task.End + navStartMs, end: end})
		} else {
			periods = append(periods, period{start: task.End + navStartMs, end: longTasks[i+1].Start + navStartMs})
		}
	}
	return periods
}

// firstQuietWindow finds the first CPU quiet period overlapping a network
// quiet period by requiredQuietWindow, both ending after fcpMs plus the
// window.
func firstQuietWindow(longTasks []trace.Task, records []*netrecord.Record, p *trace.Processed) (period, error) {
	fcpMs := p.Timestamps.FirstContentfulPaint / 1000
	endMs := p.Timestamps.TraceEnd / 1000
	longEnough := func(periods []period) []period {
		var out []period
		for _, q := range periods {
			if q.end > fcpMs+requiredQuietWindow && q.end-q.start >= requiredQuietWindow {
				out = append(out, q)
			}
		}
		return out
	}
	network := longEnough(networkQuietPeriods(records, allowedConcurrentRequests, endMs))
	cpu := longEnough(cpuQuietPeriods(longTasks, p.Timestamps.NavigationStart/1000, endMs))
	for len(cpu) > 0 && len(network) > 0 {
		c, n := cpu[0], network[0]
		if c.start >= n.start {
			if n.end >= c.start+requiredQuietWindow {
				return c, nil
			}
			network = network[1:]
		} else {
			if c.end >= n.start+requiredQuietWindow {
				return c, nil
			}
			cpu = cpu[1:]
		}
	}
	if len(cpu) > 0 {
		return period{}, ErrNoNetworkIdlePeriod
	}
	return period{}, ErrNoCPUIdlePeriod
}

// ObservedInteractive finds the time to interactive in the trace: the start
// of the first five second window without long tasks or more than two
// requests in flight, but no earlier than FCP and DOMContentLoaded.
func ObservedInteractive(p *trace.Processed, records []*netrecord.Record) (*Result, error) {
	if p.Timestamps.FirstContentfulPaint == 0 {
		return nil, newError(TTI, ErrNoFCP)
	}
	if p.Timestamps.DOMContentLoaded == 0 {
		return nil, newError(TTI, ErrNoDCL)
	}
	var longTasks []trace.Task
	for _, t := range p.TopLevelTasks() {
		if t.Duration >= longTaskThreshold {
			longTasks = append(longTasks, t)
		}
	}
	sort.SliceStable(longTasks, func(i, j int) bool {
		return longTasks[i].Start < longTasks[j].Start
	})
	quiet, err := firstQuietWindow(longTasks, records, p)
	if err != nil {
		return nil, newError(TTI, err)
	}
	ts := math.Max(quiet.start, math.Max(p.Timestamps.FirstContentfulPaint/1000, p.Timestamps.DOMContentLoaded/1000)) * 1000
	return &Result{Timing: p.Timing(ts), Timestamp: ts}, nil
}
