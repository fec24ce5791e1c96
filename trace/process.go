package trace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/m-lab/lantern/logging"
	"github.com/tidwall/gjson"
)

// Timestamps are the absolute times (microseconds) of the page load
// markers. A zero value means the marker was not found.
type Timestamps struct {
	NavigationStart        float64 `json:"navigationStart"`
	FirstPaint             float64 `json:"firstPaint,omitempty"`
	FirstContentfulPaint   float64 `json:"firstContentfulPaint,omitempty"`
	FirstMeaningfulPaint   float64 `json:"firstMeaningfulPaint,omitempty"`
	LargestContentfulPaint float64 `json:"largestContentfulPaint,omitempty"`
	DOMContentLoaded       float64 `json:"domContentLoaded,omitempty"`
	Load                   float64 `json:"load,omitempty"`
	TraceEnd               float64 `json:"traceEnd"`
}

// Task is a top-level main thread task in milliseconds relative to
// navigation start.
type Task struct {
	Start    float64
	End      float64
	Duration float64
}

// Processed is a trace reduced to the main frame of the inspected tab.
type Processed struct {
	MainFrameID string
	PID         int
	TID         int

	// Events holds every event sorted by timestamp.
	Events []*Event
	// ProcessEvents holds the events of the renderer of the main frame.
	ProcessEvents []*Event
	// MainThreadEvents holds the events of the renderer main thread.
	MainThreadEvents []*Event

	NavigationStartEvt *Event
	FCPEvt             *Event
	FMPEvt             *Event
	LCPEvt             *Event

	Timestamps Timestamps

	// FMPFellBack is set when no firstMeaningfulPaint event exists and the
	// last candidate was used instead.
	FMPFellBack bool
	// LCPInvalidated is set when the last LCP event invalidated earlier
	// candidates.
	LCPInvalidated bool
}

// Timing converts an absolute timestamp to milliseconds since navigation
// start.
func (p *Processed) Timing(ts float64) float64 {
	return (ts - p.Timestamps.NavigationStart) / 1000
}

// TopLevelTasks returns the schedulable tasks of the main thread that end
// after navigation start.
func (p *Processed) TopLevelTasks() []Task {
	var tasks []Task
	for _, e := range p.MainThreadEvents {
		if !IsScheduleableTask(e) || e.Dur == 0 {
			continue
		}
		end := p.Timing(e.End())
		if end < 0 {
			continue
		}
		start := p.Timing(e.Ts)
		tasks = append(tasks, Task{Start: start, End: end, Duration: e.Dur / 1000})
	}
	return tasks
}

type mainFrame struct {
	frameID string
	pid     int
	tid     int
}

// findMainFrame locates the frame, process and thread of the inspected page.
func findMainFrame(events []*Event) (*mainFrame, error) {
	for _, e := range events {
		if e.Name != "TracingStartedInPage" {
			continue
		}
		return &mainFrame{frameID: e.Arg("data.page").String(), pid: e.Pid, tid: e.Tid}, nil
	}
	for _, e := range events {
		if e.Name != "TracingStartedInBrowser" {
			continue
		}
		var mf *mainFrame
		e.Arg("data.frames").ForEach(func(_, f gjson.Result) bool {
			if f.Get("parent").Exists() {
				return true
			}
			mf = &mainFrame{frameID: f.Get("frame").String(), pid: int(f.Get("processId").Int())}
			return false
		})
		if mf == nil {
			break
		}
		for _, t := range events {
			if t.Name == "thread_name" && t.Pid == mf.pid && t.Arg("name").String() == "CrRendererMain" {
				mf.tid = t.Tid
				return mf, nil
			}
		}
		break
	}
	return nil, ErrNoTracingStarted
}

func isNavigationStartOfInterest(e *Event) bool {
	if e.Name != "navigationStart" {
		return false
	}
	loader := e.Arg("data.documentLoaderURL")
	return !loader.Exists() || strings.HasPrefix(loader.String(), "http")
}

// Process finds the main frame of the trace and the page load markers
// relative to its navigation. Missing paint markers are not errors here;
// the metrics that need them report their absence.
func Process(t *Trace) (*Processed, error) {
	logging.Logger.Debug("trace: process: start")
	defer logging.Logger.Debug("trace: process: stop")
	events := make([]*Event, 0, len(t.Events))
	for _, e := range t.Events {
		if e == nil {
			continue
		}
		if !finite(e.Ts) || !finite(e.Dur) {
			return nil, fmt.Errorf("%w: %s at %v", ErrInvalidTimestamp, e.Name, e.Ts)
		}
		events = append(events, e)
	}
	// Parents sort before the children that share their start time.
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Ts != events[j].Ts {
			return events[i].Ts < events[j].Ts
		}
		return events[i].Dur > events[j].Dur
	})
	mf, err := findMainFrame(events)
	if err != nil {
		return nil, err
	}
	p := &Processed{
		MainFrameID: mf.frameID,
		PID:         mf.pid,
		TID:         mf.tid,
		Events:      events,
	}
	var frameEvents []*Event
	for _, e := range events {
		if e.Pid != mf.pid {
			continue
		}
		p.ProcessEvents = append(p.ProcessEvents, e)
		if e.Tid == mf.tid {
			p.MainThreadEvents = append(p.MainThreadEvents, e)
		}
		if e.Frame() == mf.frameID {
			frameEvents = append(frameEvents, e)
		}
		if end := e.End(); end > p.Timestamps.TraceEnd {
			p.Timestamps.TraceEnd = end
		}
	}
	for _, e := range frameEvents {
		if isNavigationStartOfInterest(e) {
			p.NavigationStartEvt = e
		}
	}
	if p.NavigationStartEvt == nil {
		return nil, ErrNoNavStart
	}
	navStart := p.NavigationStartEvt.Ts
	p.Timestamps.NavigationStart = navStart

	first := func(name string) *Event {
		for _, e := range frameEvents {
			if e.Name == name && e.Ts > navStart {
				return e
			}
		}
		return nil
	}
	if e := first("firstPaint"); e != nil {
		p.Timestamps.FirstPaint = e.Ts
	}
	if p.FCPEvt = first("firstContentfulPaint"); p.FCPEvt != nil {
		p.Timestamps.FirstContentfulPaint = p.FCPEvt.Ts
	}
	if p.FMPEvt = first("firstMeaningfulPaint"); p.FMPEvt == nil {
		for _, e := range frameEvents {
			if e.Name == "firstMeaningfulPaintCandidate" && e.Ts > navStart {
				p.FMPEvt = e
				p.FMPFellBack = true
			}
		}
	}
	if p.FMPEvt != nil {
		p.Timestamps.FirstMeaningfulPaint = p.FMPEvt.Ts
	}
	for i := len(frameEvents) - 1; i >= 0; i-- {
		e := frameEvents[i]
		if e.Ts <= navStart {
			break
		}
		if e.Name == "largestContentfulPaint::Invalidate" {
			p.LCPInvalidated = true
			break
		}
		if e.Name == "largestContentfulPaint::Candidate" {
			p.LCPEvt = e
			p.Timestamps.LargestContentfulPaint = e.Ts
			break
		}
	}
	if e := first("domContentLoadedEventEnd"); e != nil {
		p.Timestamps.DOMContentLoaded = e.Ts
	}
	if e := first("loadEventEnd"); e != nil {
		p.Timestamps.Load = e.Ts
	}
	return p, nil
}
