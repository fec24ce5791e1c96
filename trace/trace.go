// Package trace decodes Chrome trace-event files and extracts the page load
// markers and main thread events the dependency graph is built from.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/tidwall/gjson"
)

// Errors returned while decoding or processing a trace.
var (
	ErrMalformed        = errors.New("malformed trace")
	ErrInvalidTimestamp = errors.New("invalid trace timestamp")
	ErrNoTracingStarted = errors.New("NO_TRACING_STARTED")
	ErrNoNavStart       = errors.New("NO_NAVSTART")
)

// Event is one trace event. Ts and Dur are microseconds.
type Event struct {
	Name string          `json:"name"`
	Cat  string          `json:"cat"`
	Ph   string          `json:"ph"`
	Ts   float64         `json:"ts"`
	Dur  float64         `json:"dur,omitempty"`
	Pid  int             `json:"pid"`
	Tid  int             `json:"tid"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Arg looks up a gjson path inside the event arguments, e.g. "data.url".
func (e *Event) Arg(path string) gjson.Result {
	if len(e.Args) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(e.Args, path)
}

// DataURL returns args.data.url.
func (e *Event) DataURL() string {
	return e.Arg("data.url").String()
}

// Frame returns the frame the event belongs to, from args.frame or
// args.data.frame.
func (e *Event) Frame() string {
	if f := e.Arg("frame"); f.Exists() {
		return f.String()
	}
	return e.Arg("data.frame").String()
}

// StackTraceURLs returns the non-empty URLs of args.data.stackTrace.
func (e *Event) StackTraceURLs() []string {
	var urls []string
	e.Arg("data.stackTrace").ForEach(func(_, frame gjson.Result) bool {
		if u := frame.Get("url").String(); u != "" {
			urls = append(urls, u)
		}
		return true
	})
	return urls
}

// End returns Ts + Dur.
func (e *Event) End() float64 {
	return e.Ts + e.Dur
}

// ID returns a stable identifier of a main thread event.
func (e *Event) ID() string {
	return strconv.Itoa(e.Tid) + "." + strconv.FormatFloat(e.Ts, 'f', -1, 64)
}

// Trace is a decoded trace file.
type Trace struct {
	Events []*Event
}

// Parse decodes a trace in either the JSON object format (with a
// traceEvents array) or the bare JSON array format.
func Parse(data []byte) (*Trace, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	t := &Trace{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &t.Events); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return t, nil
	}
	if !gjson.GetBytes(trimmed, "traceEvents").IsArray() {
		return nil, fmt.Errorf("%w: missing traceEvents", ErrMalformed)
	}
	var obj struct {
		TraceEvents []*Event `json:"traceEvents"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	t.Events = obj.TraceEvents
	return t, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// scheduleableTasks are the event names Chrome uses for top-level units of
// main thread work across versions.
var scheduleableTasks = map[string]bool{
	"RunTask":                                    true,
	"ThreadControllerImpl::DoWork":               true,
	"ThreadControllerImpl::RunTask":              true,
	"TaskQueueManager::ProcessTaskFromWorkQueue": true,
}

// IsScheduleableTask returns whether the event is a top-level main thread
// task.
func IsScheduleableTask(e *Event) bool {
	return scheduleableTasks[e.Name]
}
