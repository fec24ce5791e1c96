// Package lantern computes the metrics of a page load from its trace and
// devtools log. Artifacts shared by several metrics are computed once per
// Context.
package lantern

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/m-lab/lantern/computed"
	"github.com/m-lab/lantern/graph"
	"github.com/m-lab/lantern/logging"
	"github.com/m-lab/lantern/metric"
	"github.com/m-lab/lantern/metrics"
	"github.com/m-lab/lantern/netanalysis"
	"github.com/m-lab/lantern/netrecord"
	"github.com/m-lab/lantern/simulator"
	"github.com/m-lab/lantern/throttling"
	"github.com/m-lab/lantern/trace"
)

var (
	// ErrNoArtifacts is returned when the trace or the devtools log is
	// empty.
	ErrNoArtifacts = errors.New("lantern: missing trace or devtools log")
	// ErrUnknownMetric is returned for a metric lantern does not compute.
	ErrUnknownMetric = errors.New("lantern: unknown metric")
)

// Artifacts are the recordings of one page load.
type Artifacts struct {
	Trace       json.RawMessage `json:"trace"`
	DevtoolsLog json.RawMessage `json:"devtoolsLog"`
}

func missing(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// MetricError describes why a metric could not be computed.
type MetricError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Report holds the metrics of a page load. A metric is either in Metrics
// or in Errors.
type Report struct {
	ThrottlingMethod throttling.Method              `json:"throttlingMethod"`
	Metrics          map[metric.Name]*metric.Result `json:"metrics"`
	Errors           map[metric.Name]*MetricError   `json:"errors,omitempty"`
	// LanternData is the network analysis of the page load in the form
	// accepted by Settings.PrecomputedLanternData.
	LanternData *netanalysis.LanternData `json:"lanternData,omitempty"`
}

// Context holds the settings and the artifact cache of lantern runs.
type Context struct {
	Settings *throttling.Settings
	// Cache memoizes the artifacts. A nil Cache is replaced by an empty
	// one on first use.
	Cache *computed.Cache
	// Store, when set, persists the metric results across Contexts.
	Store computed.Store
	// Observer, when set, receives the node timings of every simulation.
	Observer simulator.Observer

	once sync.Once
}

// NewContext returns a Context computing metrics with s.
func NewContext(s *throttling.Settings) *Context {
	return &Context{Settings: s, Cache: computed.NewCache()}
}

func (c *Context) init() {
	c.once.Do(func() {
		if c.Cache == nil {
			c.Cache = computed.NewCache()
		}
		if c.Settings == nil {
			c.Settings = throttling.DefaultSettings()
		}
	})
}

// run is the computation of the metrics of one set of artifacts.
type run struct {
	c         *Context
	artifacts *Artifacts
	logKey    computed.Key
	traceKey  computed.Key
	runKey    computed.Key
}

func (c *Context) newRun(a *Artifacts) (*run, error) {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return nil, err
	}
	return &run{
		c:         c,
		artifacts: a,
		logKey:    computed.Key{Artifact: "devtools-log", Fingerprint: computed.Fingerprint(a.DevtoolsLog)},
		traceKey:  computed.Key{Artifact: "trace", Fingerprint: computed.Fingerprint(a.Trace)},
		runKey:    computed.Key{Artifact: "run", Fingerprint: computed.Fingerprint(a.Trace, a.DevtoolsLog, settings)},
	}, nil
}

func (r *run) records(ctx context.Context) ([]*netrecord.Record, error) {
	return computed.Get(ctx, r.c.Cache, r.logKey.Derive("records"), func() ([]*netrecord.Record, error) {
		return netrecord.Parse(r.artifacts.DevtoolsLog)
	})
}

func (r *run) processed(ctx context.Context) (*trace.Processed, error) {
	return computed.Get(ctx, r.c.Cache, r.traceKey.Derive("processed-trace"), func() (*trace.Processed, error) {
		t, err := trace.Parse(r.artifacts.Trace)
		if err != nil {
			return nil, err
		}
		return trace.Process(t)
	})
}

func (r *run) analysis(ctx context.Context) (*netanalysis.Analysis, error) {
	return computed.Get(ctx, r.c.Cache, r.logKey.Derive("network-analysis"), func() (*netanalysis.Analysis, error) {
		records, err := r.records(ctx)
		if err != nil {
			return nil, err
		}
		return netanalysis.Analyze(records)
	})
}

func (r *run) graph(ctx context.Context) (*graph.Graph, error) {
	k := computed.Key{Artifact: "graph", Fingerprint: computed.Fingerprint(r.artifacts.Trace, r.artifacts.DevtoolsLog)}
	return computed.Get(ctx, r.c.Cache, k, func() (*graph.Graph, error) {
		records, err := r.records(ctx)
		if err != nil {
			return nil, err
		}
		processed, err := r.processed(ctx)
		if err != nil {
			return nil, err
		}
		return graph.Build(records, processed)
	})
}

func (r *run) simulator(ctx context.Context) (*simulator.Simulator, error) {
	return computed.Get(ctx, r.c.Cache, r.runKey.Derive("simulator"), func() (*simulator.Simulator, error) {
		a, err := r.analysis(ctx)
		if err != nil {
			return nil, err
		}
		opts, err := throttling.SimulatorOptions(r.c.Settings, a)
		if err != nil {
			return nil, err
		}
		opts.Observer = r.c.Observer
		return simulator.New(opts), nil
	})
}

func (r *run) inputs(ctx context.Context) (*metric.Inputs, error) {
	g, err := r.graph(ctx)
	if err != nil {
		return nil, err
	}
	processed, err := r.processed(ctx)
	if err != nil {
		return nil, err
	}
	records, err := r.records(ctx)
	if err != nil {
		return nil, err
	}
	sim, err := r.simulator(ctx)
	if err != nil {
		return nil, err
	}
	return &metric.Inputs{
		Graph:      g,
		Processed:  processed,
		Records:    records,
		Simulator:  sim,
		SpeedIndex: r.c.Settings.SpeedIndex,
	}, nil
}

// prerequisite computes the metric dep of m. Its failure is reported as a
// failure of m with the same code.
func (r *run) prerequisite(ctx context.Context, m, dep metric.Name) (*metric.Result, error) {
	res, err := r.metric(ctx, dep)
	if err != nil {
		return nil, &metric.Error{Metric: m, Code: metric.Code(err), Err: err}
	}
	return res, nil
}

// metric returns the result of m, from the Store when it holds one.
func (r *run) metric(ctx context.Context, m metric.Name) (*metric.Result, error) {
	k := r.runKey.Derive("metric", []byte(m))
	return computed.Get(ctx, r.c.Cache, k, func() (*metric.Result, error) {
		if res, ok := r.load(ctx, k); ok {
			return res, nil
		}
		var res *metric.Result
		var err error
		if r.c.Settings.ThrottlingMethod == throttling.Simulate {
			res, err = r.simulated(ctx, m)
		} else {
			res, err = r.observed(ctx, m)
		}
		if err != nil {
			return nil, err
		}
		r.save(ctx, k, res)
		return res, nil
	})
}

func (r *run) load(ctx context.Context, k computed.Key) (*metric.Result, bool) {
	if r.c.Store == nil {
		return nil, false
	}
	data, err := r.c.Store.Get(ctx, k.String())
	if err != nil {
		if !errors.Is(err, computed.ErrNotFound) {
			logging.Logger.WithError(err).Warn("lantern: cannot load stored metric")
		}
		return nil, false
	}
	res := &metric.Result{}
	if err := json.Unmarshal(data, res); err != nil {
		logging.Logger.WithError(err).Warn("lantern: cannot decode stored metric")
		return nil, false
	}
	return res, true
}

func (r *run) save(ctx context.Context, k computed.Key, res *metric.Result) {
	if r.c.Store == nil {
		return
	}
	data, err := json.Marshal(res)
	if err == nil {
		err = r.c.Store.Put(ctx, k.String(), data)
	}
	if err != nil {
		logging.Logger.WithError(err).Warn("lantern: cannot store metric")
	}
}

func (r *run) simulated(ctx context.Context, m metric.Name) (*metric.Result, error) {
	in, err := r.inputs(ctx)
	if err != nil {
		return nil, err
	}
	if m == metric.FCP {
		return metric.FirstContentfulPaint(in)
	}
	fcp, err := r.prerequisite(ctx, m, metric.FCP)
	if err != nil {
		return nil, err
	}
	switch m {
	case metric.FMP:
		return metric.FirstMeaningfulPaint(in, fcp)
	case metric.LCP:
		return metric.LargestContentfulPaint(in, fcp)
	case metric.SI:
		return metric.SpeedIndex(in, fcp)
	case metric.MaxFID:
		return metric.MaxPotentialFID(in, fcp)
	case metric.TTI:
		fmp, err := r.prerequisite(ctx, m, metric.FMP)
		if err != nil {
			return nil, err
		}
		return metric.Interactive(in, fmp)
	case metric.TBT:
		tti, err := r.prerequisite(ctx, m, metric.TTI)
		if err != nil {
			return nil, err
		}
		return metric.TotalBlockingTime(in, fcp, tti)
	}
	return nil, &metric.Error{Metric: m, Code: metric.Code(ErrUnknownMetric), Err: ErrUnknownMetric}
}

func (r *run) observed(ctx context.Context, m metric.Name) (*metric.Result, error) {
	processed, err := r.processed(ctx)
	if err != nil {
		return nil, err
	}
	switch m {
	case metric.FCP:
		return metric.ObservedFirstContentfulPaint(processed)
	case metric.FMP:
		return metric.ObservedFirstMeaningfulPaint(processed)
	case metric.LCP:
		return metric.ObservedLargestContentfulPaint(processed)
	case metric.SI:
		return metric.ObservedSpeedIndex(processed, r.c.Settings.SpeedIndex)
	case metric.MaxFID:
		return metric.ObservedMaxPotentialFID(processed)
	case metric.TTI:
		records, err := r.records(ctx)
		if err != nil {
			return nil, err
		}
		return metric.ObservedInteractive(processed, records)
	case metric.TBT:
		tti, err := r.prerequisite(ctx, m, metric.TTI)
		if err != nil {
			return nil, err
		}
		return metric.ObservedTotalBlockingTime(processed, tti)
	}
	return nil, &metric.Error{Metric: m, Code: metric.Code(ErrUnknownMetric), Err: ErrUnknownMetric}
}

// Compute computes the metrics names of a, or every metric when names is
// empty. Each metric runs in its own goroutine; a failing metric is
// recorded in the Report next to the others.
func (c *Context) Compute(ctx context.Context, a *Artifacts, names ...metric.Name) (*Report, error) {
	c.init()
	if a == nil || missing(a.Trace) || missing(a.DevtoolsLog) {
		return nil, ErrNoArtifacts
	}
	if err := c.Settings.Validate(); err != nil {
		return nil, err
	}
	logging.Logger.Debug("lantern: compute: start")
	defer logging.Logger.Debug("lantern: compute: stop")
	if len(names) == 0 {
		names = metric.Names
	}
	r, err := c.newRun(a)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ThrottlingMethod: c.Settings.ThrottlingMethod,
		Metrics:          map[metric.Name]*metric.Result{},
		Errors:           map[metric.Name]*MetricError{},
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name metric.Name) {
			defer wg.Done()
			active := metrics.ActiveComputations.WithLabelValues(string(name))
			active.Inc()
			defer active.Dec()
			res, err := r.metric(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				code := metric.Code(err)
				metrics.MetricErrorCount.WithLabelValues(string(name), code).Inc()
				logging.Logger.WithError(err).WithField("metric", name).Warn("lantern: metric failed")
				report.Errors[name] = &MetricError{Code: code, Message: err.Error()}
				return
			}
			report.Metrics[name] = res
		}(name)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if analysis, err := r.analysis(ctx); err == nil {
		report.LanternData = analysis.ToLanternData()
	}
	return report, nil
}
