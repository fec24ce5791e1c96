// Package metric estimates page load metrics by simulating optimistic and
// pessimistic subgraphs of the page dependency graph, or reads them off the
// trace when the page load was not simulated.
package metric

import (
	"errors"
	"fmt"
	"math"

	"github.com/m-lab/lantern/graph"
	"github.com/m-lab/lantern/logging"
	"github.com/m-lab/lantern/netrecord"
	"github.com/m-lab/lantern/simulator"
	"github.com/m-lab/lantern/trace"
)

// Name identifies a metric.
type Name string

// Metric names.
const (
	FCP    = Name("first-contentful-paint")
	FMP    = Name("first-meaningful-paint")
	LCP    = Name("largest-contentful-paint")
	TTI    = Name("interactive")
	SI     = Name("speed-index")
	TBT    = Name("total-blocking-time")
	MaxFID = Name("max-potential-fid")
)

// Names lists every metric in dependency order.
var Names = []Name{FCP, FMP, LCP, TTI, SI, TBT, MaxFID}

// Missing signal errors. The message is the error code.
var (
	ErrNoFCP               = errors.New("NO_FCP")
	ErrNoFMP               = errors.New("NO_FMP")
	ErrNoLCP               = errors.New("NO_LCP")
	ErrLCPInvalidated      = errors.New("LCP_INVALIDATED")
	ErrNoSpeedline         = errors.New("NO_SPEEDLINE")
	ErrNoDCL               = errors.New("NO_DCL")
	ErrNoCPUIdlePeriod     = errors.New("NO_TTI_CPU_IDLE_PERIOD")
	ErrNoNetworkIdlePeriod = errors.New("NO_TTI_NETWORK_IDLE_PERIOD")
	ErrMissingPrerequisite = errors.New("MISSING_PREREQUISITE")
)

const (
	simulationFailedCode   = "SIMULATION_FAILED"
	erroredComputationCode = "ERRORED_COMPUTATION"
)

// Error is a failed metric computation.
type Error struct {
	Metric Name
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil || e.Err.Error() == e.Code {
		return fmt.Sprintf("%s: %s", e.Metric, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Metric, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// codes maps the sentinel errors of this and lower packages to codes.
var codes = []error{
	ErrNoFCP, ErrNoFMP, ErrNoLCP, ErrLCPInvalidated, ErrNoSpeedline, ErrNoDCL,
	ErrNoCPUIdlePeriod, ErrNoNetworkIdlePeriod, ErrMissingPrerequisite,
	trace.ErrNoNavStart, trace.ErrNoTracingStarted,
}

// Code returns the code of err: the code of a *Error, the message of a
// known sentinel, or ERRORED_COMPUTATION.
func Code(err error) string {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	for _, sentinel := range codes {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return erroredComputationCode
}

func newError(m Name, err error) *Error {
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	code := Code(err)
	if code == erroredComputationCode && isSimulationError(err) {
		code = simulationFailedCode
	}
	return &Error{Metric: m, Code: code, Err: err}
}

func isSimulationError(err error) bool {
	var ue *graph.UnreachableError
	return errors.Is(err, simulator.ErrNoProgress) ||
		errors.Is(err, simulator.ErrNonFinite) ||
		errors.Is(err, simulator.ErrIterationsExceeded) ||
		errors.Is(err, simulator.ErrNoConnection) ||
		errors.Is(err, simulator.ErrInvalidOptions) ||
		errors.Is(err, graph.ErrCycle) ||
		errors.As(err, &ue)
}

// Estimate is the value of a metric read off one simulation.
type Estimate struct {
	TimeInMs float64                         `json:"timeInMs"`
	Timings  map[string]simulator.NodeTiming `json:"nodeTimings,omitempty"`
	// Order lists the ids of Timings in start order.
	Order []string `json:"nodeOrder,omitempty"`
}

// Result is a computed metric. Timestamp is only set for observed metrics.
type Result struct {
	Timing      float64   `json:"timing"`
	Timestamp   float64   `json:"timestamp,omitempty"`
	Optimistic  *Estimate `json:"optimisticEstimate,omitempty"`
	Pessimistic *Estimate `json:"pessimisticEstimate,omitempty"`

	OptimisticGraph  *graph.Graph `json:"-"`
	PessimisticGraph *graph.Graph `json:"-"`
}

// Inputs are the artifacts of one page load.
type Inputs struct {
	Graph     *graph.Graph
	Processed *trace.Processed
	Records   []*netrecord.Record
	Simulator *simulator.Simulator
	// SpeedIndex is the observed speed index (ms) from a speedline
	// analysis, zero if unknown.
	SpeedIndex float64
}

// Coefficients combine the optimistic and pessimistic estimates.
type Coefficients struct {
	Intercept   float64
	Optimistic  float64
	Pessimistic float64
}

// Combine returns the metric value for the estimates. Estimates under a
// second shrink a positive intercept.
func (c Coefficients) Combine(optimistic, pessimistic float64) float64 {
	interceptMultiplier := 1.0
	if c.Intercept > 0 {
		interceptMultiplier = math.Min(1, optimistic/1000)
	}
	return interceptMultiplier*c.Intercept + c.Optimistic*optimistic + c.Pessimistic*pessimistic
}

// lantern describes how one metric is simulated.
type lantern struct {
	name         Name
	coefficients Coefficients
	optimistic   func(g *graph.Graph, p *trace.Processed) (*graph.Graph, error)
	pessimistic  func(g *graph.Graph, p *trace.Processed) (*graph.Graph, error)
	// estimate reads the metric off a simulation. Nil means the simulated
	// time.
	estimate func(res *simulator.Result, optimistic bool) (float64, error)
}

func estimateFrom(res *simulator.Result, timeInMs float64) *Estimate {
	return &Estimate{TimeInMs: timeInMs, Timings: res.Timings, Order: res.Order}
}

// Each calls fn with the timing of every simulated node in start order.
func (e *Estimate) Each(fn func(t simulator.NodeTiming)) {
	for _, id := range e.Order {
		fn(e.Timings[id])
	}
}

// compute runs the optimistic, flexible optimistic and pessimistic
// simulations of m and combines them.
func compute(in *Inputs, m lantern) (*Result, error) {
	logging.Logger.WithField("metric", m.name).Debug("metric: compute: start")
	defer logging.Logger.WithField("metric", m.name).Debug("metric: compute: stop")
	if in.Graph == nil || in.Processed == nil || in.Simulator == nil {
		return nil, newError(m.name, ErrMissingPrerequisite)
	}
	optimisticGraph, err := m.optimistic(in.Graph, in.Processed)
	if err != nil {
		return nil, newError(m.name, err)
	}
	pessimisticGraph, err := m.pessimistic(in.Graph, in.Processed)
	if err != nil {
		return nil, newError(m.name, err)
	}
	label := string(m.name)
	optimistic, err := in.Simulator.Simulate(optimisticGraph, simulator.SimulateOptions{Label: "optimistic-" + label})
	if err != nil {
		return nil, newError(m.name, err)
	}
	flexible, err := in.Simulator.Simulate(optimisticGraph, simulator.SimulateOptions{Label: "optimistic-flex-" + label, FlexibleOrdering: true})
	if err != nil {
		return nil, newError(m.name, err)
	}
	if flexible.TimeInMs < optimistic.TimeInMs {
		optimistic = flexible
	}
	pessimistic, err := in.Simulator.Simulate(pessimisticGraph, simulator.SimulateOptions{Label: "pessimistic-" + label})
	if err != nil {
		return nil, newError(m.name, err)
	}

	estimate := m.estimate
	if estimate == nil {
		estimate = func(res *simulator.Result, _ bool) (float64, error) {
			return res.TimeInMs, nil
		}
	}
	o, err := estimate(optimistic, true)
	if err != nil {
		return nil, newError(m.name, err)
	}
	p, err := estimate(pessimistic, false)
	if err != nil {
		return nil, newError(m.name, err)
	}
	return &Result{
		Timing:           m.coefficients.Combine(o, p),
		Optimistic:       estimateFrom(optimistic, o),
		Pessimistic:      estimateFrom(pessimistic, p),
		OptimisticGraph:  optimisticGraph,
		PessimisticGraph: pessimisticGraph,
	}, nil
}

// requireLantern checks that r is a simulated result usable as a
// prerequisite.
func requireLantern(m Name, r *Result) error {
	if r == nil || r.Optimistic == nil || r.Pessimistic == nil {
		return newError(m, ErrMissingPrerequisite)
	}
	return nil
}
