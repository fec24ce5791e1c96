package metric

import (
	"math"

	"github.com/m-lab/lantern/graph"
	"github.com/m-lab/lantern/simulator"
	"github.com/m-lab/lantern/trace"
)

const (
	// blockingTimeThreshold is the part of a task (ms) that does not count
	// as blocking.
	blockingTimeThreshold = 50
	// minimumMaxPotentialFID is one frame (ms).
	minimumMaxPotentialFID = 16
)

// SumOfBlockingTime adds up the time over blockingTimeThreshold of every
// task, clipped to the window [startMs, endMs].
func SumOfBlockingTime(tasks []trace.Task, startMs, endMs float64) float64 {
	if endMs <= startMs {
		return 0
	}
	sum := 0.0
	for _, t := range tasks {
		if t.Duration < blockingTimeThreshold || t.End < startMs || t.Start > endMs {
			continue
		}
		clipped := math.Min(t.End, endMs) - math.Max(t.Start, startMs)
		if clipped < blockingTimeThreshold {
			continue
		}
		sum += clipped - blockingTimeThreshold
	}
	return sum
}

// simulatedTasks returns the simulated CPU tasks of at least minDuration
// ms in start order.
func simulatedTasks(res *simulator.Result, minDuration float64) []trace.Task {
	var tasks []trace.Task
	for _, id := range res.Order {
		t := res.Timings[id]
		if t.Node.Kind != graph.KindCPU || t.Duration < minDuration {
			continue
		}
		tasks = append(tasks, trace.Task{Start: t.StartTime, End: t.EndTime, Duration: t.Duration})
	}
	return tasks
}

// TotalBlockingTime simulates the blocking time between FCP and
// interactive.
func TotalBlockingTime(in *Inputs, fcp, interactive *Result) (*Result, error) {
	if err := requireLantern(TBT, fcp); err != nil {
		return nil, err
	}
	if err := requireLantern(TBT, interactive); err != nil {
		return nil, err
	}
	return compute(in, lantern{
		name:         TBT,
		coefficients: paintCoefficients,
		optimistic:   fullGraph,
		pessimistic:  fullGraph,
		estimate: func(res *simulator.Result, optimistic bool) (float64, error) {
			// The opposite FCP estimate narrows the optimistic window.
			start, end := fcp.Optimistic.TimeInMs, interactive.Pessimistic.TimeInMs
			if optimistic {
				start, end = fcp.Pessimistic.TimeInMs, interactive.Optimistic.TimeInMs
			}
			return SumOfBlockingTime(simulatedTasks(res, blockingTimeThreshold), start, end), nil
		},
	})
}

// MaxPotentialFID simulates the longest task after FCP.
func MaxPotentialFID(in *Inputs, fcp *Result) (*Result, error) {
	if err := requireLantern(MaxFID, fcp); err != nil {
		return nil, err
	}
	return compute(in, lantern{
		name:         MaxFID,
		coefficients: paintCoefficients,
		optimistic:   fullGraph,
		pessimistic:  fullGraph,
		estimate: func(res *simulator.Result, optimistic bool) (float64, error) {
			fcpMs := fcp.Pessimistic.TimeInMs
			if optimistic {
				fcpMs = fcp.Optimistic.TimeInMs
			}
			longest := float64(minimumMaxPotentialFID)
			for _, t := range simulatedTasks(res, 0) {
				if t.End > fcpMs {
					longest = math.Max(longest, t.Duration)
				}
			}
			return longest, nil
		},
	})
}
