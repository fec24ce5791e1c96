package metric

import (
	"math"

	"github.com/m-lab/lantern/graph"
	"github.com/m-lab/lantern/simulator"
)

var speedIndexCoefficients = Coefficients{Intercept: -250, Optimistic: 1.4, Pessimistic: 0.65}

// layoutBasedSpeedIndex approximates visual progress by the end times of
// the layout tasks, weighted by the log of their duration.
func layoutBasedSpeedIndex(res *simulator.Result, fcpMs float64) float64 {
	var weightedTime, totalWeight float64
	for _, id := range res.Order {
		t := res.Timings[id]
		if t.Node.Kind != graph.KindCPU || !t.Node.CPU.DidPerformLayout() {
			continue
		}
		weight := math.Max(math.Log2(t.EndTime-t.StartTime), 0)
		weightedTime += weight * math.Max(t.EndTime, fcpMs)
		totalWeight += weight
	}
	if totalWeight == 0 {
		return fcpMs
	}
	return weightedTime / totalWeight
}

// SpeedIndex simulates the speed index. The optimistic estimate is the
// observed speed index; the result is never earlier than fcp.
func SpeedIndex(in *Inputs, fcp *Result) (*Result, error) {
	if err := requireLantern(SI, fcp); err != nil {
		return nil, err
	}
	if in.SpeedIndex <= 0 {
		return nil, newError(SI, ErrNoSpeedline)
	}
	r, err := compute(in, lantern{
		name:         SI,
		coefficients: speedIndexCoefficients,
		optimistic:   fullGraph,
		pessimistic:  fullGraph,
		estimate: func(res *simulator.Result, optimistic bool) (float64, error) {
			if optimistic {
				return in.SpeedIndex, nil
			}
			return layoutBasedSpeedIndex(res, fcp.Pessimistic.TimeInMs), nil
		},
	})
	if err != nil {
		return nil, err
	}
	r.Timing = math.Max(r.Timing, fcp.Timing)
	return r, nil
}
