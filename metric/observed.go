package metric

import (
	"math"

	"github.com/m-lab/lantern/trace"
)

func observed(p *trace.Processed, ts float64) *Result {
	return &Result{Timing: p.Timing(ts), Timestamp: ts}
}

// ObservedFirstContentfulPaint reads the first contentful paint off the
// trace.
func ObservedFirstContentfulPaint(p *trace.Processed) (*Result, error) {
	ts, err := fcpTimestamp(p)
	if err != nil {
		return nil, newError(FCP, err)
	}
	return observed(p, ts), nil
}

// ObservedFirstMeaningfulPaint reads the first meaningful paint off the
// trace.
func ObservedFirstMeaningfulPaint(p *trace.Processed) (*Result, error) {
	ts, err := fmpTimestamp(p)
	if err != nil {
		return nil, newError(FMP, err)
	}
	return observed(p, ts), nil
}

// ObservedLargestContentfulPaint reads the last valid largest contentful
// paint candidate off the trace.
func ObservedLargestContentfulPaint(p *trace.Processed) (*Result, error) {
	ts, err := lcpTimestamp(p)
	if err != nil {
		return nil, newError(LCP, err)
	}
	return observed(p, ts), nil
}

// ObservedSpeedIndex returns the speed index measured by a speedline
// analysis of the page load.
func ObservedSpeedIndex(p *trace.Processed, speedIndex float64) (*Result, error) {
	if speedIndex <= 0 {
		return nil, newError(SI, ErrNoSpeedline)
	}
	return observed(p, p.Timestamps.NavigationStart+speedIndex*1000), nil
}

// ObservedTotalBlockingTime adds up the blocking time of the main thread
// tasks between FCP and interactive.
func ObservedTotalBlockingTime(p *trace.Processed, interactive *Result) (*Result, error) {
	if p.Timestamps.FirstContentfulPaint == 0 {
		return nil, newError(TBT, ErrNoFCP)
	}
	if interactive == nil {
		return nil, newError(TBT, ErrMissingPrerequisite)
	}
	fcpMs := p.Timing(p.Timestamps.FirstContentfulPaint)
	return &Result{Timing: SumOfBlockingTime(p.TopLevelTasks(), fcpMs, interactive.Timing)}, nil
}

// ObservedMaxPotentialFID returns the longest main thread task that ends
// after FCP.
func ObservedMaxPotentialFID(p *trace.Processed) (*Result, error) {
	if p.Timestamps.FirstContentfulPaint == 0 {
		return nil, newError(MaxFID, ErrNoFCP)
	}
	fcpMs := p.Timing(p.Timestamps.FirstContentfulPaint)
	longest := float64(minimumMaxPotentialFID)
	for _, t := range p.TopLevelTasks() {
		if t.End < fcpMs || t.Duration < 1 {
			continue
		}
		longest = math.Max(longest, t.Duration)
	}
	return &Result{Timing: longest}, nil
}
