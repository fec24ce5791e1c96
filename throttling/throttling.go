// Package throttling contains the run settings that choose the simulated
// network and CPU conditions, and their translation into simulator options.
package throttling

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/m-lab/lantern/netanalysis"
	"github.com/m-lab/lantern/simulator"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v2"
)

// Method is how the page load was (or should be) throttled.
type Method string

// Throttling methods.
const (
	// Provided uses the conditions observed in the page load, unthrottled.
	Provided = Method("provided")
	// DevTools means the load was throttled by devtools request latency and
	// download throughput emulation.
	DevTools = Method("devtools")
	// Simulate estimates the load under Settings.Throttling.
	Simulate = Method("simulate")
)

// Methods lists the valid throttling methods.
var Methods = []string{string(Provided), string(DevTools), string(Simulate)}

// Devtools emulation applies latency per request rather than per round
// trip and counts throughput above the transport, so its values are
// adjusted before they are used as network conditions.
const (
	DevToolsRTTAdjustmentFactor        = 3.75
	DevToolsThroughputAdjustmentFactor = 0.9
)

// Errors returned when reading or applying settings.
var (
	ErrUnknownMethod   = errors.New("unknown throttling method")
	ErrInvalidSettings = errors.New("invalid throttling settings")
	ErrNoAnalysis      = errors.New("provided throttling requires a network analysis")
)

// Throttling are the network and CPU conditions. Kbps values are
// kilobits per second.
type Throttling struct {
	RTTMs                  float64 `yaml:"rttMs" json:"rttMs"`
	ThroughputKbps         float64 `yaml:"throughputKbps" json:"throughputKbps"`
	RequestLatencyMs       float64 `yaml:"requestLatencyMs" json:"requestLatencyMs"`
	DownloadThroughputKbps float64 `yaml:"downloadThroughputKbps" json:"downloadThroughputKbps"`
	UploadThroughputKbps   float64 `yaml:"uploadThroughputKbps" json:"uploadThroughputKbps"`
	CPUSlowdownMultiplier  float64 `yaml:"cpuSlowdownMultiplier" json:"cpuSlowdownMultiplier"`
}

// MobileSlow4G is the default simulated environment.
var MobileSlow4G = Throttling{
	RTTMs:                  simulator.MobileSlow4GRTT,
	ThroughputKbps:         simulator.MobileSlow4GThroughputKbps,
	RequestLatencyMs:       simulator.MobileSlow4GRTT * DevToolsRTTAdjustmentFactor,
	DownloadThroughputKbps: simulator.MobileSlow4GThroughputKbps * DevToolsThroughputAdjustmentFactor,
	UploadThroughputKbps:   750 * DevToolsThroughputAdjustmentFactor,
	CPUSlowdownMultiplier:  simulator.MobileSlow4GCPUSlowdownMultiplier,
}

// Desktop is a wired desktop connection without CPU slowdown.
var Desktop = Throttling{
	RTTMs:                 40,
	ThroughputKbps:        10 * 1024,
	CPUSlowdownMultiplier: 1,
}

// Settings configure one lantern run.
type Settings struct {
	ThrottlingMethod Method     `yaml:"throttlingMethod" json:"throttlingMethod"`
	Throttling       Throttling `yaml:"throttling" json:"throttling"`
	// PrecomputedLanternData replaces the per-origin estimates of the
	// network analysis when set.
	PrecomputedLanternData *netanalysis.LanternData `yaml:"precomputedLanternData,omitempty" json:"precomputedLanternData,omitempty"`
	// SpeedIndex is the observed speed index (ms) from a speedline
	// analysis of the page load, zero if unknown.
	SpeedIndex float64 `yaml:"speedIndex,omitempty" json:"speedIndex,omitempty"`
}

// DefaultSettings returns settings that simulate MobileSlow4G.
func DefaultSettings() *Settings {
	return &Settings{ThrottlingMethod: Simulate, Throttling: MobileSlow4G}
}

// Validate checks the method and that the numbers it uses are usable.
func (s *Settings) Validate() error {
	var used []float64
	switch s.ThrottlingMethod {
	case Provided:
	case DevTools:
		used = []float64{s.Throttling.RequestLatencyMs, s.Throttling.DownloadThroughputKbps}
	case Simulate:
		used = []float64{s.Throttling.RTTMs, s.Throttling.ThroughputKbps, s.Throttling.CPUSlowdownMultiplier}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMethod, s.ThrottlingMethod)
	}
	for _, v := range used {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %+v", ErrInvalidSettings, s.Throttling)
		}
	}
	if s.SpeedIndex < 0 || math.IsNaN(s.SpeedIndex) {
		return fmt.Errorf("%w: speedIndex %v", ErrInvalidSettings, s.SpeedIndex)
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Settings) Clone() *Settings {
	c := *s
	if d := s.PrecomputedLanternData; d != nil {
		c.PrecomputedLanternData = &netanalysis.LanternData{
			AdditionalRTTByOrigin:      maps.Clone(d.AdditionalRTTByOrigin),
			ServerResponseTimeByOrigin: maps.Clone(d.ServerResponseTimeByOrigin),
		}
	}
	return &c
}

// UpdateSettings overrides the fields of s set in the YAML (or JSON) data
// and validates the result.
func UpdateSettings(s *Settings, data []byte) error {
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return s.Validate()
}

// ParseSettings reads YAML (or JSON) settings. Fields that are not set keep
// the values of DefaultSettings.
func ParseSettings(data []byte) (*Settings, error) {
	s := DefaultSettings()
	if err := UpdateSettings(s, data); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSettings reads the settings file at path.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSettings(data)
}

// SimulatorOptions returns the simulator options for s. The network
// analysis a supplies the per-origin estimates and, for Provided, the
// observed conditions.
func SimulatorOptions(s *Settings, a *netanalysis.Analysis) (simulator.Options, error) {
	var opts simulator.Options
	if err := s.Validate(); err != nil {
		return opts, err
	}
	if a != nil {
		opts.AdditionalRTTByOrigin = a.AdditionalRTTByOrigin
		opts.ServerResponseTimeByOrigin = a.ServerResponseTimeByOrigin
	}
	if d := s.PrecomputedLanternData; d != nil {
		opts.AdditionalRTTByOrigin = d.AdditionalRTTByOrigin
		opts.ServerResponseTimeByOrigin = d.ServerResponseTimeByOrigin
	}
	switch s.ThrottlingMethod {
	case Provided:
		if a == nil {
			return opts, ErrNoAnalysis
		}
		opts.RTT = a.RTT
		opts.Throughput = a.Throughput
		opts.CPUSlowdownMultiplier = 1
		opts.LayoutTaskMultiplier = 1
	case DevTools:
		opts.RTT = s.Throttling.RequestLatencyMs / DevToolsRTTAdjustmentFactor
		opts.Throughput = s.Throttling.DownloadThroughputKbps * 1024 / DevToolsThroughputAdjustmentFactor
		opts.CPUSlowdownMultiplier = 1
		opts.LayoutTaskMultiplier = 1
	case Simulate:
		opts.RTT = s.Throttling.RTTMs
		opts.Throughput = s.Throttling.ThroughputKbps * 1024
		opts.CPUSlowdownMultiplier = s.Throttling.CPUSlowdownMultiplier
	}
	return opts, nil
}
