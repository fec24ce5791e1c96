// lantern estimates the load metrics of a page from a trace and a devtools
// log and prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/lantern/data"
	"github.com/m-lab/lantern/lantern"
	"github.com/m-lab/lantern/logging"
	"github.com/m-lab/lantern/metric"
	"github.com/m-lab/lantern/results"
	"github.com/m-lab/lantern/throttling"
	"github.com/m-lab/lantern/waterfall"
)

var (
	tracePath       = flag.String("trace", "", "The trace of the page load (JSON)")
	devtoolsLogPath = flag.String("devtools-log", "", "The devtools log of the page load (JSON)")
	settingsPath    = flag.String("settings", "", "A YAML file with the run settings")
	method          = flagx.Enum{Options: throttling.Methods}
	speedIndex      = flag.Float64("speed-index", 0, "The observed speed index (ms), if known")
	metricNames     = flagx.StringArray{}
	dataDir         = flag.String("datadir", "", "The directory in which to write a result file; empty disables it")
	compress        = flag.Bool("compress-results", true, "Whether to gzip the result file")
	waterfallPath   = flag.String("waterfall", "", "Where to write a PNG waterfall of the pessimistic estimate of -waterfall.metric")
	waterfallMetric = flag.String("waterfall.metric", string(metric.FCP), "The metric drawn by -waterfall")
	logLevel        = flag.String("log.level", "warn", "The level of the structured logs")
)

func init() {
	flag.Var(&method, "throttling-method", "Override the throttling method of the settings: provided, devtools or simulate")
	flag.Var(&metricNames, "metric", "A metric to compute; may be repeated. All metrics when unset")
}

// settings loads the settings file and applies the flags to it.
func settings() (*throttling.Settings, error) {
	s := throttling.DefaultSettings()
	if *settingsPath != "" {
		var err error
		if s, err = throttling.LoadSettings(*settingsPath); err != nil {
			return nil, err
		}
	}
	if method.Value != "" {
		s.ThrottlingMethod = throttling.Method(method.Value)
	}
	if *speedIndex > 0 {
		s.SpeedIndex = *speedIndex
	}
	return s, s.Validate()
}

func run(ctx context.Context, out io.Writer) error {
	s, err := settings()
	if err != nil {
		return err
	}
	trace, err := os.ReadFile(*tracePath)
	if err != nil {
		return err
	}
	devtoolsLog, err := os.ReadFile(*devtoolsLogPath)
	if err != nil {
		return err
	}
	var names []metric.Name
	for _, n := range metricNames {
		names = append(names, metric.Name(n))
	}

	result := data.NewLanternResult(s)
	report, err := lantern.NewContext(s).Compute(ctx, &lantern.Artifacts{Trace: trace, DevtoolsLog: devtoolsLog}, names...)
	result.Finish(report, err)
	if err != nil {
		return err
	}
	if *dataDir != "" {
		name, err := results.Save(*dataDir, result, *compress)
		if err != nil {
			return err
		}
		logging.Logger.WithField("file", name).Info("saved result")
	}
	if *waterfallPath != "" {
		m, ok := report.Metrics[metric.Name(*waterfallMetric)]
		if !ok || m.Pessimistic == nil {
			return fmt.Errorf("no simulation of %s to draw", *waterfallMetric)
		}
		if err := waterfall.Save(*waterfallPath, m.Pessimistic, *waterfallMetric); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")
	rtx.Must(logging.SetLevel(*logLevel), "Could not set log level")
	rtx.Must(run(context.Background(), os.Stdout), "Could not compute metrics")
}
