package graph

import (
	"errors"
	"math"
	"strings"

	"github.com/m-lab/lantern/logging"
	"github.com/m-lab/lantern/netrecord"
	"github.com/m-lab/lantern/trace"
)

// Errors returned by Build.
var (
	ErrNoRecords      = errors.New("no network records")
	ErrNoMainDocument = errors.New("no main document request")
)

const (
	// significantTaskDuration is the duration (µs) under which a CPU task
	// may be pruned from the graph.
	significantTaskDuration = 10 * 1000
	// scriptEndTolerance is how long (µs) before a task starts a request
	// for its script may still be finishing.
	scriptEndTolerance = -100 * 1000
)

// networkIndex holds the network nodes of a page by id, URL and frame.
type networkIndex struct {
	nodes []*Node
	byID  map[string]*Node
	byURL map[string][]*Node
	// byFrame maps a frame to its document request, or to nil when the
	// frame loaded more than one document.
	byFrame map[string]*Node
}

func indexNetworkNodes(records []*netrecord.Record) *networkIndex {
	idx := &networkIndex{
		byID:    map[string]*Node{},
		byURL:   map[string][]*Node{},
		byFrame: map[string]*Node{},
	}
	for _, r := range records {
		if strings.HasPrefix(r.MimeType, "video") {
			continue
		}
		id := r.RequestID
		for idx.byID[id] != nil {
			id += ":duplicate"
		}
		n := NewNetworkNode(id, r)
		idx.nodes = append(idx.nodes, n)
		idx.byID[id] = n
		idx.byURL[r.URL] = append(idx.byURL[r.URL], n)
		if r.FrameID != "" && r.ResourceType == netrecord.Document && r.DocumentURL == r.URL {
			if _, seen := idx.byFrame[r.FrameID]; seen {
				idx.byFrame[r.FrameID] = nil
			} else {
				idx.byFrame[r.FrameID] = n
			}
		}
	}
	return idx
}

// nodeFor returns the node of a record, following the ids assigned by
// indexNetworkNodes.
func (idx *networkIndex) nodeFor(r *netrecord.Record) *Node {
	if r == nil {
		return nil
	}
	for _, n := range idx.byURL[r.URL] {
		if n.Network.Record == r {
			return n
		}
	}
	return nil
}

// cpuNodes groups the main thread events into top-level tasks.
func cpuNodes(events []*trace.Event) []*Node {
	var nodes []*Node
	for i := 0; i < len(events); {
		e := events[i]
		i++
		if !trace.IsScheduleableTask(e) || e.Dur == 0 {
			continue
		}
		var children []*trace.Event
		for end := e.End(); i < len(events) && events[i].Ts < end; i++ {
			children = append(children, events[i])
		}
		nodes = append(nodes, NewCPUNode(e, children))
	}
	return nodes
}

// Build returns the dependency graph of a page load. The root is the
// earliest request; the main document is the earliest Document request.
func Build(records []*netrecord.Record, processed *trace.Processed) (*Graph, error) {
	logging.Logger.Debug("graph: build: start")
	defer logging.Logger.Debug("graph: build: stop")
	idx := indexNetworkNodes(records)
	if len(idx.nodes) == 0 {
		return nil, ErrNoRecords
	}
	root := idx.nodes[0]
	var mainDoc *Node
	for _, n := range idx.nodes {
		if n.StartTime() < root.StartTime() {
			root = n
		}
		if n.Network.Record.ResourceType != netrecord.Document {
			continue
		}
		if mainDoc == nil || n.StartTime() < mainDoc.StartTime() {
			mainDoc = n
		}
	}
	if mainDoc == nil {
		return nil, ErrNoMainDocument
	}
	mainDoc.Network.IsMainDocument = true

	g := New(root)
	for _, n := range idx.nodes {
		g.Add(n)
	}
	linkNetworkNodes(g, idx)

	var cpu []*Node
	if processed != nil {
		for _, n := range cpuNodes(processed.MainThreadEvents) {
			if n.StartTime() < root.StartTime() {
				logging.Logger.WithField("task", n.ID).Debug("graph: skipping task before the first request")
				continue
			}
			cpu = append(cpu, n)
			g.Add(n)
		}
	}
	linkCPUNodes(g, idx, cpu)
	pruneShortTasks(g, cpu)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func linkNetworkNodes(g *Graph, idx *networkIndex) {
	root := g.Root()
	for _, n := range idx.nodes {
		r := n.Network.Record
		initiator := idx.nodeFor(r.InitiatorRequest)
		if initiator == nil {
			initiator = root
		}
		urls := r.InitiatorURLs()
		for _, u := range urls {
			candidates := idx.byURL[u]
			if len(candidates) == 1 && candidates[0].StartTime() <= n.StartTime() &&
				!g.IsDependentOn(candidates[0], n) {
				g.AddEdge(candidates[0], n)
			} else if !g.IsDependentOn(initiator, n) {
				g.AddEdge(initiator, n)
			}
		}
		if len(urls) == 0 && initiator != n && !g.IsDependentOn(initiator, n) {
			g.AddEdge(initiator, n)
		}
		// Attach nodes with unusable initiator information to the root.
		if n != root && len(g.Dependencies(n)) == 0 && n.CanDependOn(root) {
			g.AddEdge(root, n)
		}
		if len(r.Redirects) == 0 {
			continue
		}
		chain := append(append([]*netrecord.Record{}, r.Redirects...), r)
		for i := 1; i < len(chain); i++ {
			from, to := idx.nodeFor(chain[i-1]), idx.nodeFor(chain[i])
			if from != nil && to != nil {
				g.AddEdge(from, to)
			}
		}
	}
}

func linkCPUNodes(g *Graph, idx *networkIndex, cpu []*Node) {
	timers := map[string]*Node{}

	dependOnURL := func(n *Node, url string) {
		if url == "" {
			return
		}
		var best *Node
		bestDistance := math.Inf(1)
		for _, c := range idx.byURL[url] {
			// A request that started after the task cannot be its input.
			if n.StartTime() <= c.StartTime() {
				return
			}
			distance := n.StartTime() - c.EndTime()
			if distance >= scriptEndTolerance && distance < bestDistance {
				best, bestDistance = c, distance
			}
		}
		if best != nil {
			g.AddEdge(best, n)
		}
	}
	dependOnFrame := func(n *Node, frame string) {
		doc := idx.byFrame[frame]
		if doc != nil && doc.StartTime() < n.StartTime() {
			g.AddEdge(doc, n)
		}
	}
	requestFrom := func(n *Node, requestID string) {
		req := idx.byID[requestID]
		if req == nil || req.StartTime() <= n.StartTime() {
			return
		}
		switch req.Network.Record.ResourceType {
		case netrecord.XHR, netrecord.Fetch, netrecord.Script:
			g.AddEdge(n, req)
		}
	}

	for _, n := range cpu {
		for _, e := range n.CPU.ChildEvents {
			if !e.Arg("data").Exists() {
				continue
			}
			stackURLs := e.StackTraceURLs()
			switch e.Name {
			case "TimerInstall":
				timers[e.Arg("data.timerId").String()] = n
				for _, u := range stackURLs {
					dependOnURL(n, u)
				}
			case "TimerFire":
				installer := timers[e.Arg("data.timerId").String()]
				if installer != nil && installer.EndTime() <= n.StartTime() {
					g.AddEdge(installer, n)
				}
			case "InvalidateLayout", "ScheduleStyleRecalculation":
				dependOnFrame(n, e.Arg("data.frame").String())
				for _, u := range stackURLs {
					dependOnURL(n, u)
				}
			case "EvaluateScript":
				dependOnURL(n, e.DataURL())
				for _, u := range stackURLs {
					dependOnURL(n, u)
				}
			case "XHRReadyStateChange":
				if e.Arg("data.readyState").Int() != 4 {
					continue
				}
				dependOnURL(n, e.DataURL())
				for _, u := range stackURLs {
					dependOnURL(n, u)
				}
			case "FunctionCall", "v8.compile":
				dependOnURL(n, e.DataURL())
			case "ParseAuthorStyleSheet":
				dependOnURL(n, e.Arg("data.styleSheetUrl").String())
			case "ResourceSendRequest":
				requestFrom(n, e.Arg("data.requestId").String())
				for _, u := range stackURLs {
					dependOnURL(n, u)
				}
			}
		}
		if len(g.Dependencies(n)) == 0 {
			g.AddEdge(g.Root(), n)
		}
	}
}

// pruneShortTasks splices out CPU tasks too short to matter, except the
// first tasks that lay out, paint or parse HTML.
func pruneShortTasks(g *Graph, cpu []*Node) {
	var foundLayout, foundPaint, foundParse bool
	for _, n := range cpu {
		first := false
		if !foundLayout && n.CPU.hasChildNamed("Layout") {
			first, foundLayout = true, true
		}
		if !foundPaint && n.CPU.hasChildNamed("Paint") {
			first, foundPaint = true, true
		}
		if !foundParse && n.CPU.hasChildNamed("ParseHTML") {
			first, foundParse = true, true
		}
		if first || n.CPU.Event.Dur >= significantTaskDuration {
			continue
		}
		deps, dependents := g.Dependencies(n), g.Dependents(n)
		if len(deps) != 1 && len(dependents) > 1 {
			continue
		}
		deps, dependents = append([]*Node{}, deps...), append([]*Node{}, dependents...)
		g.Remove(n)
		for _, d := range deps {
			for _, t := range dependents {
				g.AddEdge(d, t)
			}
		}
	}
}
