// Package waterfall draws the simulated node timings of a metric estimate
// as a PNG waterfall chart.
package waterfall

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/m-lab/go/warnonerror"
	"github.com/m-lab/lantern/graph"
	"github.com/m-lab/lantern/metric"
	"github.com/m-lab/lantern/simulator"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// ErrEmpty is returned for an estimate without node timings.
var ErrEmpty = errors.New("waterfall: no node timings")

const (
	defaultWidth  = 1024
	rowHeight     = 12
	minimumHeight = 200
)

// barStyle draws a thick line without dots.
func barStyle(col drawing.Color) chart.Style {
	return chart.Style{
		StrokeWidth: 6,
		StrokeColor: col,
		DotWidth:    0,
	}
}

// Chart returns the waterfall of e: one row per node in start order,
// network requests in blue and main thread tasks in orange.
func Chart(e *metric.Estimate, title string) (*chart.Chart, error) {
	if e == nil || len(e.Order) == 0 {
		return nil, ErrEmpty
	}
	var series []chart.Series
	end := 1.0
	row := 0
	e.Each(func(t simulator.NodeTiming) {
		row++
		col := chart.ColorBlue
		if t.Node != nil && t.Node.Kind == graph.KindCPU {
			col = chart.ColorOrange
		}
		series = append(series, chart.ContinuousSeries{
			Name:    t.NodeID,
			XValues: []float64{t.StartTime, t.EndTime},
			YValues: []float64{float64(row), float64(row)},
			Style:   barStyle(col),
		})
		end = max(end, t.EndTime)
	})
	return &chart.Chart{
		Title:      title,
		Width:      defaultWidth,
		Height:     max(minimumHeight, rowHeight*(row+2)),
		Background: chart.Style{Padding: chart.Box{Top: 24, Left: 16, Right: 16, Bottom: 16}},
		XAxis:      chart.XAxis{Name: "ms", Range: &chart.ContinuousRange{Min: 0, Max: end}},
		YAxis:      chart.YAxis{Range: &chart.ContinuousRange{Min: 0, Max: float64(row + 1)}},
		Series:     series,
	}, nil
}

// Render writes the waterfall of e as a PNG to w.
func Render(w io.Writer, e *metric.Estimate, title string) error {
	ch, err := Chart(e, title)
	if err != nil {
		return err
	}
	return ch.Render(chart.PNG, w)
}

// Save writes the waterfall of e as a PNG file at path.
func Save(path string, e *metric.Estimate, title string) error {
	fp, err := os.Create(path)
	if err != nil {
		return err
	}
	defer warnonerror.Close(fp, "waterfall: ignoring Close result")
	if err := Render(fp, e, title); err != nil {
		return fmt.Errorf("waterfall: cannot render %s: %w", path, err)
	}
	return nil
}
