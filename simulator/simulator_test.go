package simulator

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/lantern/graph"
	"github.com/m-lab/lantern/lanterntest"
	"github.com/m-lab/lantern/netanalysis"
	"github.com/m-lab/lantern/netrecord"
	"github.com/m-lab/lantern/trace"
)

func pageRecords(t *testing.T) []*netrecord.Record {
	records, err := netrecord.Parse(lanterntest.DevtoolsLogJSON())
	rtx.Must(err, "cannot parse devtools log")
	return records
}

func pageGraph(t *testing.T) *graph.Graph {
	tr, err := trace.Parse(lanterntest.TraceJSON())
	rtx.Must(err, "cannot parse trace")
	processed, err := trace.Process(tr)
	rtx.Must(err, "cannot process trace")
	g, err := graph.Build(pageRecords(t), processed)
	rtx.Must(err, "cannot build graph")
	return g
}

func request(id, url string, start, end float64) *netrecord.Record {
	r := &netrecord.Record{
		RequestID:    id,
		StartTime:    start,
		EndTime:      end,
		ResourceType: netrecord.Document,
		Priority:     netrecord.VeryHigh,
		Protocol:     "http/1.1",
		StatusCode:   200,
		Finished:     true,
		TransferSize: 1000,
	}
	r.SetURL(url)
	return r
}

func task(ts, dur float64, children ...string) *graph.Node {
	var events []*trace.Event
	for _, name := range children {
		events = append(events, &trace.Event{Name: name, Ts: ts, Pid: 1, Tid: 1})
	}
	return graph.NewCPUNode(&trace.Event{Name: "RunTask", Ts: ts, Dur: dur, Pid: 1, Tid: 1}, events)
}

func TestSimulate_SingleRequest(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		want   float64
		timing ConnectionTiming
	}{
		{
			name:   "https",
			url:    "https://example.com/",
			want:   780,
			timing: ConnectionTiming{DNSResolutionTime: 300, ConnectionTime: 375, SSLTime: 150, TimeToFirstByte: 780},
		},
		{
			name:   "http",
			url:    "http://example.com/",
			want:   630,
			timing: ConnectionTiming{DNSResolutionTime: 300, ConnectionTime: 225, TimeToFirstByte: 630},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graph.New(graph.NewNetworkNode("1", request("1", tt.url, 1, 2)))
			res, err := New(Options{}).Simulate(g, SimulateOptions{Label: "test"})
			rtx.Must(err, "cannot simulate")
			if res.TimeInMs != tt.want {
				t.Errorf("TimeInMs = %v, want %v", res.TimeInMs, tt.want)
			}
			timing, ok := res.Timing("1")
			if !ok || timing.ConnectionTiming == nil {
				t.Fatalf("Timing(1) = %+v, %v", timing, ok)
			}
			if *timing.ConnectionTiming != tt.timing {
				t.Errorf("ConnectionTiming = %+v, want %+v", *timing.ConnectionTiming, tt.timing)
			}
			if timing.StartTime != 0 || timing.EndTime != tt.want || timing.Duration != tt.want {
				t.Errorf("Timing(1) = %+v", timing)
			}
		})
	}
}

func TestSimulate_CPU(t *testing.T) {
	tests := []struct {
		name string
		task *graph.Node
		opts Options
		want float64
	}{
		{name: "default-slowdown", task: task(2e6, 50000), want: 780 + 200},
		{name: "layout", task: task(2e6, 50000, "Layout"), want: 780 + 100},
		{name: "no-slowdown", task: task(2e6, 50000), opts: Options{CPUSlowdownMultiplier: 1}, want: 780 + 50},
		{name: "capped", task: task(2e6, 5e6), want: 780 + MaximumCPUTaskDuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := graph.NewNetworkNode("1", request("1", "https://example.com/", 1, 2))
			g := graph.New(root)
			g.AddEdge(root, tt.task)
			res, err := New(tt.opts).Simulate(g, SimulateOptions{})
			rtx.Must(err, "cannot simulate")
			if res.TimeInMs != tt.want {
				t.Errorf("TimeInMs = %v, want %v", res.TimeInMs, tt.want)
			}
			timing, _ := res.Timing(tt.task.ID)
			if timing.QueuedTime != 780 || timing.StartTime != 780 {
				t.Errorf("task timing = %+v", timing)
			}
			if !reflect.DeepEqual(res.Order, []string{"1", tt.task.ID}) {
				t.Errorf("Order = %v", res.Order)
			}
		})
	}
}

func TestSimulate_Connectionless(t *testing.T) {
	root := graph.NewNetworkNode("1", request("1", "https://example.com/", 1, 2))
	cached := request("2", "https://example.com/cached.js", 2, 3)
	cached.FromDiskCache = true
	cached.ResourceSize = 1024 * 1024
	inline := request("3", "data:image/png;base64,AAAA", 2, 3)
	g := graph.New(root)
	g.AddEdge(root, graph.NewNetworkNode("2", cached))
	g.AddEdge(root, graph.NewNetworkNode("3", inline))
	res, err := New(Options{}).Simulate(g, SimulateOptions{})
	rtx.Must(err, "cannot simulate")
	if got := res.Timings["2"].Duration; got != 28 {
		t.Errorf("disk cache duration = %v, want 28", got)
	}
	if got := res.Timings["3"].Duration; got != 2 {
		t.Errorf("data url duration = %v, want 2", got)
	}
	if res.Timings["2"].ConnectionTiming != nil {
		t.Errorf("disk cache request has connection timing %+v", res.Timings["2"].ConnectionTiming)
	}
	if res.TimeInMs != 808 {
		t.Errorf("TimeInMs = %v, want 808", res.TimeInMs)
	}
}

func TestSimulate_Page(t *testing.T) {
	g := pageGraph(t)
	sim := New(Options{})
	res, err := sim.Simulate(g, SimulateOptions{Label: "page"})
	rtx.Must(err, "cannot simulate page")

	if len(res.Timings) != g.Len() || len(res.Order) != g.Len() {
		t.Fatalf("got %d timings for %d nodes", len(res.Timings), g.Len())
	}
	for _, n := range g.Nodes() {
		timing := res.Timings[n.ID]
		if timing.Node != n {
			t.Errorf("Timings[%s].Node = %v", n.ID, timing.Node)
		}
		if timing.EndTime < timing.StartTime || timing.StartTime < timing.QueuedTime {
			t.Errorf("Timings[%s] = %+v", n.ID, timing)
		}
		for _, dep := range g.Dependencies(n) {
			if timing.StartTime < res.Timings[dep.ID].EndTime {
				t.Errorf("%s started at %v before dependency %s ended at %v",
					n.ID, timing.StartTime, dep.ID, res.Timings[dep.ID].EndTime)
			}
		}
		if timing.EndTime > res.TimeInMs {
			t.Errorf("%s ended at %v after the simulation at %v", n.ID, timing.EndTime, res.TimeInMs)
		}
	}
	for i := 1; i < len(res.Order); i++ {
		if res.Timings[res.Order[i-1]].StartTime > res.Timings[res.Order[i]].StartTime {
			t.Errorf("Order = %v is not sorted by start time", res.Order)
		}
	}

	doc := res.Timings["1"].ConnectionTiming
	if doc == nil || doc.DNSResolutionTime != 2*MobileSlow4GRTT || doc.SSLTime != MobileSlow4GRTT {
		t.Errorf("document connection timing = %+v", doc)
	}
	style := res.Timings["2"].ConnectionTiming
	if style == nil || style.DNSResolutionTime != 0 || style.SSLTime != 0 {
		t.Errorf("warm stylesheet connection timing = %+v", style)
	}

	again, err := sim.Simulate(g, SimulateOptions{Label: "page"})
	rtx.Must(err, "cannot simulate page twice")
	if !reflect.DeepEqual(res, again) {
		t.Error("Simulate() is not deterministic")
	}
}

func TestSimulate_Monotonic(t *testing.T) {
	g := pageGraph(t)
	tests := []struct {
		name         string
		fast, slower Options
	}{
		{name: "rtt", fast: Options{RTT: 40}, slower: Options{RTT: 300}},
		{name: "throughput", fast: Options{Throughput: 10e6}, slower: Options{Throughput: 200e3}},
		{name: "cpu", fast: Options{CPUSlowdownMultiplier: 1}, slower: Options{CPUSlowdownMultiplier: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fast, err := New(tt.fast).Simulate(g, SimulateOptions{})
			rtx.Must(err, "cannot simulate")
			slower, err := New(tt.slower).Simulate(g, SimulateOptions{})
			rtx.Must(err, "cannot simulate")
			if fast.TimeInMs >= slower.TimeInMs {
				t.Errorf("fast = %v, slower = %v", fast.TimeInMs, slower.TimeInMs)
			}
		})
	}
}

func TestSimulate_Observer(t *testing.T) {
	g := pageGraph(t)
	rec := NewRecorder()
	sim := New(Options{Observer: rec})
	_, err := sim.Simulate(g, SimulateOptions{Label: "optimistic"})
	rtx.Must(err, "cannot simulate")
	_, err = sim.Simulate(g, SimulateOptions{Label: "pessimistic"})
	rtx.Must(err, "cannot simulate")
	if got := rec.Labels(); !reflect.DeepEqual(got, []string{"optimistic", "pessimistic"}) {
		t.Errorf("Labels() = %v", got)
	}
	timings := rec.Timings("optimistic")
	if len(timings) != g.Len() {
		t.Errorf("recorded %d timings, want %d", len(timings), g.Len())
	}
	for i := 1; i < len(timings); i++ {
		if timings[i-1].EndTime > timings[i].EndTime {
			t.Errorf("timings are not in completion order: %+v", timings)
		}
	}
	if len(rec.Timings("missing")) != 0 {
		t.Error("Timings(missing) should be empty")
	}
}

func TestSimulate_Errors(t *testing.T) {
	a := graph.NewNetworkNode("a", request("a", "https://example.com/", 1, 2))
	b := graph.NewNetworkNode("b", request("b", "https://example.com/b", 2, 3))
	c := graph.NewNetworkNode("c", request("c", "https://example.com/c", 2, 3))

	cyclic := graph.New(a)
	cyclic.AddEdge(a, b)
	cyclic.AddEdge(b, c)
	cyclic.AddEdge(c, b)
	if _, err := New(Options{}).Simulate(cyclic, SimulateOptions{}); !errors.Is(err, graph.ErrCycle) {
		t.Errorf("cyclic graph error = %v", err)
	}

	unreachable := graph.New(a)
	unreachable.Add(b)
	var ue *graph.UnreachableError
	if _, err := New(Options{}).Simulate(unreachable, SimulateOptions{}); !errors.As(err, &ue) {
		t.Errorf("unreachable graph error = %v", err)
	}

	for _, opts := range []Options{{RTT: -1}, {Throughput: math.Inf(1)}, {CPUSlowdownMultiplier: math.NaN()}} {
		if _, err := New(opts).Simulate(graph.New(a), SimulateOptions{}); !errors.Is(err, ErrInvalidOptions) {
			t.Errorf("Simulate(%+v) error = %v", opts, err)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	opts := New(Options{}).Options()
	if opts.RTT != 150 || opts.Throughput != 1.6*1024*1024 || opts.CPUSlowdownMultiplier != 4 {
		t.Errorf("Options() = %+v", opts)
	}
	if opts.MaximumConcurrentRequests != 10 {
		t.Errorf("MaximumConcurrentRequests = %d, want 10", opts.MaximumConcurrentRequests)
	}
	// 100 kbps at 150ms saturates a single connection.
	if got := New(Options{Throughput: 100e3}).Options().MaximumConcurrentRequests; got != 1 {
		t.Errorf("MaximumConcurrentRequests = %d, want 1", got)
	}
}

func TestConnectionPool_Precomputed(t *testing.T) {
	records := pageRecords(t)
	tests := []struct {
		name                       string
		additional, response       map[string]float64
		exampleRTT, cdnRTT         float64
		exampleLatency, cdnLatency float64
	}{
		{
			name:           "defaults",
			exampleRTT:     100,
			cdnRTT:         100,
			exampleLatency: DefaultServerResponseTime,
			cdnLatency:     DefaultServerResponseTime,
		},
		{
			name:           "per-origin",
			additional:     map[string]float64{"https://example.com": 50},
			response:       map[string]float64{"https://cdn.example.com": 12, netanalysis.SummaryKey: 70},
			exampleRTT:     150,
			cdnRTT:         100,
			exampleLatency: 70,
			cdnLatency:     12,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{RTT: 100, AdditionalRTTByOrigin: tt.additional, ServerResponseTimeByOrigin: tt.response}.withDefaults()
			p, err := newConnectionPool(records, &opts)
			rtx.Must(err, "cannot create pool")
			example, cdn := p.byOrigin["https://example.com"], p.byOrigin["https://cdn.example.com"]
			if len(example) != ConnectionsPerOrigin || len(cdn) != ConnectionsPerOrigin {
				t.Fatalf("connections = %d, %d", len(example), len(cdn))
			}
			if example[0].rtt != tt.exampleRTT || example[0].serverLatency != tt.exampleLatency {
				t.Errorf("example.com connection = %+v", example[0])
			}
			if cdn[0].rtt != tt.cdnRTT || cdn[0].serverLatency != tt.cdnLatency {
				t.Errorf("cdn connection = %+v", cdn[0])
			}
			if !example[0].ssl || example[0].h2 || example[0].warmed {
				t.Errorf("example.com connection = %+v", example[0])
			}
		})
	}
}

func TestConnectionPool_Acquire(t *testing.T) {
	opts := Options{}.withDefaults()
	var records []*netrecord.Record
	for i := 0; i < 7; i++ {
		records = append(records, request(string(rune('a'+i)), "https://x.com/", 1+float64(i)/100, 5))
	}
	p, err := newConnectionPool(records, &opts)
	rtx.Must(err, "cannot create pool")
	for i, r := range records[:6] {
		if p.acquire(r, false) == nil {
			t.Fatalf("acquire(%d) = nil", i)
		}
	}
	if c := p.acquire(records[6], false); c != nil {
		t.Error("acquire() should respect the per-origin limit")
	}
	if p.acquire(records[0], false) != p.byRecord[records[0]] {
		t.Error("acquire() should return the connection already assigned")
	}
	p.release(records[0])
	if p.acquire(records[6], false) == nil {
		t.Error("acquire() after release = nil")
	}
	if len(p.connectionsInUse()) != 6 {
		t.Errorf("connectionsInUse() = %d", len(p.connectionsInUse()))
	}

	first := request("1", "https://y.com/", 1, 2)
	second := request("2", "https://y.com/next", 3, 4)
	p, err = newConnectionPool([]*netrecord.Record{first, second}, &opts)
	rtx.Must(err, "cannot create pool")
	if p.acquire(second, false) != nil {
		t.Error("a reused request should wait for a warm connection")
	}
	if p.acquire(second, true) == nil {
		t.Error("acquire() ignoring reuse = nil")
	}
}

func TestTCPConnection_SimulateDownloadUntil(t *testing.T) {
	tests := []struct {
		name       string
		conn       *tcpConnection
		bytes      float64
		opts       downloadOptions
		elapsed    float64
		roundTrips int
	}{
		{
			name:       "cold-small",
			conn:       newTCPConnection(100, 10e6, 0, false, false),
			bytes:      1000,
			opts:       downloadOptions{maximumTimeToElapse: math.Inf(1)},
			elapsed:    200,
			roundTrips: 2,
		},
		{
			name:       "cold-two-windows",
			conn:       newTCPConnection(100, 10e6, 0, false, false),
			bytes:      20000,
			opts:       downloadOptions{maximumTimeToElapse: math.Inf(1)},
			elapsed:    300,
			roundTrips: 3,
		},
		{
			name:       "bounded",
			conn:       newTCPConnection(100, 10e6, 0, false, false),
			bytes:      1e6,
			opts:       downloadOptions{maximumTimeToElapse: 250},
			elapsed:    300,
			roundTrips: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.conn.simulateDownloadUntil(tt.bytes, tt.opts)
			if d.timeElapsed != tt.elapsed || d.roundTrips != tt.roundTrips {
				t.Errorf("simulateDownloadUntil() = %+v", d)
			}
		})
	}
}
