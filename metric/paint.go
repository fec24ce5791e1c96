package metric

import (
	"math"
	"sort"

	"github.com/m-lab/lantern/graph"
	"github.com/m-lab/lantern/netrecord"
	"github.com/m-lab/lantern/simulator"
	"github.com/m-lab/lantern/trace"
)

var paintCoefficients = Coefficients{Intercept: 0, Optimistic: 0.5, Pessimistic: 0.5}

// scriptURLs returns the URLs of the script requests in g that match keep.
func scriptURLs(g *graph.Graph, keep func(n *graph.Node) bool) map[string]bool {
	urls := map[string]bool{}
	g.Traverse(func(n *graph.Node) {
		if n.Kind != graph.KindNetwork || n.Network.Record.ResourceType != netrecord.Script {
			return
		}
		if keep != nil && !keep(n) {
			return
		}
		urls[n.Network.Record.URL] = true
	})
	return urls
}

func hasChildNamed(n *graph.Node, name string) bool {
	for _, e := range n.CPU.ChildEvents {
		if e.Name == name {
			return true
		}
	}
	return false
}

// blockingNodes finds the CPU tasks that must run before a paint at paintTs,
// and the scripts that were requested in time but not evaluated before it.
func blockingNodes(g *graph.Graph, paintTs float64, blockingScript, extraCPU func(n *graph.Node) bool) (notBlockingScripts, blockingCPU map[string]bool) {
	var cpuNodes []*graph.Node
	firstEvaluation := map[string]*graph.Node{}
	g.Traverse(func(n *graph.Node) {
		if n.Kind != graph.KindCPU {
			return
		}
		if n.StartTime() <= paintTs {
			cpuNodes = append(cpuNodes, n)
		}
		for _, u := range n.CPU.EvaluateScriptURLs() {
			if prev, ok := firstEvaluation[u]; !ok || n.StartTime() < prev.StartTime() {
				firstEvaluation[u] = n
			}
		}
	})
	sort.SliceStable(cpuNodes, func(i, j int) bool {
		return cpuNodes[i].StartTime() < cpuNodes[j].StartTime()
	})
	included := map[*graph.Node]bool{}
	for _, n := range cpuNodes {
		included[n] = true
	}

	notBlockingScripts = map[string]bool{}
	blockingCPU = map[string]bool{}
	possiblyBlocking := scriptURLs(g, func(n *graph.Node) bool {
		return n.EndTime() <= paintTs && blockingScript(n)
	})
	for u := range possiblyBlocking {
		n, ok := firstEvaluation[u]
		if !ok {
			continue
		}
		if included[n] {
			blockingCPU[n.ID] = true
			continue
		}
		notBlockingScripts[u] = true
	}
	for _, child := range []string{"Layout", "Paint", "ParseHTML"} {
		for _, n := range cpuNodes {
			if hasChildNamed(n, child) {
				blockingCPU[n.ID] = true
				break
			}
		}
	}
	if extraCPU != nil {
		for _, n := range cpuNodes {
			if extraCPU(n) {
				blockingCPU[n.ID] = true
			}
		}
	}
	return notBlockingScripts, blockingCPU
}

// FirstPaintGraph returns the part of g needed for a paint at paintTs: the
// requests that finished before it and match keepNetwork, and the CPU tasks
// that block it, with their ancestors. The main document is always kept.
func FirstPaintGraph(g *graph.Graph, paintTs float64, keepNetwork, extraCPU func(n *graph.Node) bool) *graph.Graph {
	notBlockingScripts, blockingCPU := blockingNodes(g, paintTs, keepNetwork, extraCPU)
	return g.CloneWithRelationships(func(n *graph.Node) bool {
		if n.Kind == graph.KindCPU {
			return blockingCPU[n.ID]
		}
		afterPaint := n.EndTime() > paintTs || n.StartTime() > paintTs
		if afterPaint && !n.IsMainDocument() {
			return false
		}
		if notBlockingScripts[n.Network.Record.URL] {
			return false
		}
		return keepNetwork(n)
	})
}

func renderBlocking(n *graph.Node) bool {
	return n.Network.HasRenderBlockingPriority()
}

func renderBlockingNotScriptInitiated(n *graph.Node) bool {
	return n.Network.HasRenderBlockingPriority() && n.Network.InitiatorType() != "script"
}

func performedLayout(n *graph.Node) bool {
	return n.CPU.DidPerformLayout()
}

// paintGraphs returns the optimistic and pessimistic graph constructors of a
// paint metric whose timestamp is read by ts.
func paintGraphs(ts func(p *trace.Processed) (float64, error), optimistic, pessimistic, pessimisticCPU func(n *graph.Node) bool) (o, p func(*graph.Graph, *trace.Processed) (*graph.Graph, error)) {
	o = func(g *graph.Graph, processed *trace.Processed) (*graph.Graph, error) {
		paintTs, err := ts(processed)
		if err != nil {
			return nil, err
		}
		return FirstPaintGraph(g, paintTs, optimistic, nil), nil
	}
	p = func(g *graph.Graph, processed *trace.Processed) (*graph.Graph, error) {
		paintTs, err := ts(processed)
		if err != nil {
			return nil, err
		}
		return FirstPaintGraph(g, paintTs, pessimistic, pessimisticCPU), nil
	}
	return o, p
}

func fcpTimestamp(p *trace.Processed) (float64, error) {
	if p.Timestamps.FirstContentfulPaint == 0 {
		return 0, ErrNoFCP
	}
	return p.Timestamps.FirstContentfulPaint, nil
}

func fmpTimestamp(p *trace.Processed) (float64, error) {
	if p.Timestamps.FirstMeaningfulPaint == 0 {
		return 0, ErrNoFMP
	}
	return p.Timestamps.FirstMeaningfulPaint, nil
}

func lcpTimestamp(p *trace.Processed) (float64, error) {
	if p.LCPInvalidated {
		return 0, ErrLCPInvalidated
	}
	if p.Timestamps.LargestContentfulPaint == 0 {
		return 0, ErrNoLCP
	}
	return p.Timestamps.LargestContentfulPaint, nil
}

// FirstContentfulPaint simulates the first contentful paint.
func FirstContentfulPaint(in *Inputs) (*Result, error) {
	o, p := paintGraphs(fcpTimestamp, renderBlockingNotScriptInitiated, renderBlocking, nil)
	return compute(in, lantern{name: FCP, coefficients: paintCoefficients, optimistic: o, pessimistic: p})
}

// FirstMeaningfulPaint simulates the first meaningful paint. It is never
// earlier than fcp.
func FirstMeaningfulPaint(in *Inputs, fcp *Result) (*Result, error) {
	if err := requireLantern(FMP, fcp); err != nil {
		return nil, err
	}
	o, p := paintGraphs(fmpTimestamp, renderBlockingNotScriptInitiated, renderBlocking, performedLayout)
	r, err := compute(in, lantern{name: FMP, coefficients: paintCoefficients, optimistic: o, pessimistic: p})
	if err != nil {
		return nil, err
	}
	r.Timing = math.Max(r.Timing, fcp.Timing)
	return r, nil
}

// isNotLowPriorityImage excludes the images Chrome loaded at low priority,
// usually because they were offscreen.
func isNotLowPriorityImage(n *graph.Node) bool {
	if n.Kind != graph.KindNetwork {
		return true
	}
	r := n.Network.Record
	lowPriority := r.Priority == netrecord.Low || r.Priority == netrecord.VeryLow
	return r.ResourceType != netrecord.Image || !lowPriority
}

func keepAll(*graph.Node) bool {
	return true
}

// lcpEstimate is the last end of a node that is not a low priority image.
func lcpEstimate(res *simulator.Result, _ bool) (float64, error) {
	last := 0.0
	for _, id := range res.Order {
		t := res.Timings[id]
		if isNotLowPriorityImage(t.Node) {
			last = math.Max(last, t.EndTime)
		}
	}
	return last, nil
}

// LargestContentfulPaint simulates the largest contentful paint. It is
// never earlier than fcp.
func LargestContentfulPaint(in *Inputs, fcp *Result) (*Result, error) {
	if err := requireLantern(LCP, fcp); err != nil {
		return nil, err
	}
	o, p := paintGraphs(lcpTimestamp, isNotLowPriorityImage, keepAll, performedLayout)
	r, err := compute(in, lantern{name: LCP, coefficients: paintCoefficients, optimistic: o, pessimistic: p, estimate: lcpEstimate})
	if err != nil {
		return nil, err
	}
	r.Timing = math.Max(r.Timing, fcp.Timing)
	return r, nil
}
