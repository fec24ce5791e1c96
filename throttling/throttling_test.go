package throttling

import (
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/m-lab/go/rtx"
	"github.com/m-lab/lantern/netanalysis"
	"github.com/m-lab/lantern/simulator"
)

func TestLoadSettings(t *testing.T) {
	s, err := LoadSettings("testdata/settings.yaml")
	rtx.Must(err, "cannot load settings")
	if s.ThrottlingMethod != Simulate || s.Throttling.RTTMs != 300 || s.Throttling.ThroughputKbps != 700 ||
		s.Throttling.CPUSlowdownMultiplier != 2 || s.SpeedIndex != 1200 {
		t.Errorf("LoadSettings() = %+v", s)
	}
	want := &netanalysis.LanternData{
		AdditionalRTTByOrigin:      map[string]float64{"https://example.com": 10, netanalysis.SummaryKey: 5},
		ServerResponseTimeByOrigin: map[string]float64{"https://example.com": 40},
	}
	if !reflect.DeepEqual(s.PrecomputedLanternData, want) {
		t.Errorf("PrecomputedLanternData = %+v", s.PrecomputedLanternData)
	}

	if _, err := LoadSettings("testdata/missing.yaml"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadSettings(missing) error = %v", err)
	}
}

func TestParseSettings(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    *Settings
		wantErr error
	}{
		{
			name: "empty",
			data: "",
			want: DefaultSettings(),
		},
		{
			name: "json",
			data: `{"throttlingMethod": "provided"}`,
			want: &Settings{ThrottlingMethod: Provided, Throttling: MobileSlow4G},
		},
		{
			name:    "unknown-method",
			data:    "throttlingMethod: turbo",
			wantErr: ErrUnknownMethod,
		},
		{
			name:    "negative-rtt",
			data:    "throttling: {rttMs: -1}",
			wantErr: ErrInvalidSettings,
		},
		{
			name:    "not-yaml",
			data:    "throttling: [",
			wantErr: ErrInvalidSettings,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSettings([]byte(tt.data))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseSettings() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSettings() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSimulatorOptions(t *testing.T) {
	analysis := &netanalysis.Analysis{
		RTT:                        20,
		Throughput:                 2e6,
		AdditionalRTTByOrigin:      map[string]float64{"https://example.com": 3},
		ServerResponseTimeByOrigin: map[string]float64{"https://example.com": 18},
	}
	precomputed := &netanalysis.LanternData{
		AdditionalRTTByOrigin:      map[string]float64{"https://example.com": 7},
		ServerResponseTimeByOrigin: map[string]float64{"https://example.com": 9},
	}
	tests := []struct {
		name     string
		settings *Settings
		analysis *netanalysis.Analysis
		want     simulator.Options
		wantErr  error
	}{
		{
			name:     "simulate",
			settings: DefaultSettings(),
			analysis: analysis,
			want: simulator.Options{
				RTT:                        150,
				Throughput:                 1.6 * 1024 * 1024,
				CPUSlowdownMultiplier:      4,
				AdditionalRTTByOrigin:      analysis.AdditionalRTTByOrigin,
				ServerResponseTimeByOrigin: analysis.ServerResponseTimeByOrigin,
			},
		},
		{
			name:     "provided",
			settings: &Settings{ThrottlingMethod: Provided},
			analysis: analysis,
			want: simulator.Options{
				RTT:                        20,
				Throughput:                 2e6,
				CPUSlowdownMultiplier:      1,
				LayoutTaskMultiplier:       1,
				AdditionalRTTByOrigin:      analysis.AdditionalRTTByOrigin,
				ServerResponseTimeByOrigin: analysis.ServerResponseTimeByOrigin,
			},
		},
		{
			name:     "devtools",
			settings: &Settings{ThrottlingMethod: DevTools, Throttling: Throttling{RequestLatencyMs: 375, DownloadThroughputKbps: 900}},
			want: simulator.Options{
				RTT:                   100,
				Throughput:            1024 * 1000,
				CPUSlowdownMultiplier: 1,
				LayoutTaskMultiplier:  1,
			},
		},
		{
			name:     "precomputed",
			settings: &Settings{ThrottlingMethod: Simulate, Throttling: Desktop, PrecomputedLanternData: precomputed},
			analysis: analysis,
			want: simulator.Options{
				RTT:                        40,
				Throughput:                 10 * 1024 * 1024,
				CPUSlowdownMultiplier:      1,
				AdditionalRTTByOrigin:      precomputed.AdditionalRTTByOrigin,
				ServerResponseTimeByOrigin: precomputed.ServerResponseTimeByOrigin,
			},
		},
		{
			name:     "provided-without-analysis",
			settings: &Settings{ThrottlingMethod: Provided},
			wantErr:  ErrNoAnalysis,
		},
		{
			name:     "unknown",
			settings: &Settings{ThrottlingMethod: "fast"},
			wantErr:  ErrUnknownMethod,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SimulatorOptions(tt.settings, tt.analysis)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SimulatorOptions() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SimulatorOptions() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSettings_Clone(t *testing.T) {
	s, err := LoadSettings("testdata/settings.yaml")
	rtx.Must(err, "cannot load settings")
	c := s.Clone()
	if !reflect.DeepEqual(c, s) {
		t.Fatalf("Clone() = %+v, want %+v", c, s)
	}
	rtx.Must(UpdateSettings(c, []byte(`{"precomputedLanternData": {"additionalRttByOrigin": {"https://example.com": 99}}}`)), "cannot update settings")
	if c.PrecomputedLanternData.AdditionalRTTByOrigin["https://example.com"] != 99 {
		t.Errorf("UpdateSettings() = %+v", c.PrecomputedLanternData)
	}
	if s.PrecomputedLanternData.AdditionalRTTByOrigin["https://example.com"] != 10 {
		t.Errorf("updating the clone changed the original: %+v", s.PrecomputedLanternData)
	}
	if d := DefaultSettings().Clone(); d.PrecomputedLanternData != nil {
		t.Errorf("Clone() = %+v, want no precomputed data", d)
	}
}
