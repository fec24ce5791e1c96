package netanalysis

import (
	"math"
	"strings"

	"github.com/m-lab/lantern/logging"
	"github.com/m-lab/lantern/netrecord"
)

// Analysis is the network environment observed in a page load, in the form
// the simulator consumes.
type Analysis struct {
	// RTT is the smallest round trip time (ms) to any origin.
	RTT float64 `json:"rtt"`
	// Throughput is in bits per second.
	Throughput float64 `json:"throughput"`
	// AdditionalRTTByOrigin is the round trip time of each origin (ms)
	// above RTT.
	AdditionalRTTByOrigin map[string]float64 `json:"additionalRttByOrigin"`
	// ServerResponseTimeByOrigin is the median server response time of
	// each origin (ms).
	ServerResponseTimeByOrigin map[string]float64 `json:"serverResponseTimeByOrigin"`
}

// LanternData is the saveable subset of an Analysis that may be supplied
// back to a later run instead of being recomputed.
type LanternData struct {
	AdditionalRTTByOrigin      map[string]float64 `json:"additionalRttByOrigin" yaml:"additionalRttByOrigin"`
	ServerResponseTimeByOrigin map[string]float64 `json:"serverResponseTimeByOrigin" yaml:"serverResponseTimeByOrigin"`
}

// Analyze estimates the network environment of records.
func Analyze(records []*netrecord.Record) (*Analysis, error) {
	logging.Logger.Debug("netanalysis: analyze: start")
	defer logging.Logger.Debug("netanalysis: analyze: stop")
	rttSummaries, err := EstimateRTTByOrigin(records, RTTOptions{})
	if err != nil {
		return nil, err
	}
	rttByOrigin := make(map[string]float64, len(rttSummaries))
	minimumRTT := math.Inf(1)
	for origin, s := range rttSummaries {
		rttByOrigin[origin] = s.Min
		minimumRTT = math.Min(minimumRTT, s.Min)
	}
	a := &Analysis{
		RTT:                        minimumRTT,
		Throughput:                 EstimateThroughput(records),
		AdditionalRTTByOrigin:      map[string]float64{},
		ServerResponseTimeByOrigin: map[string]float64{},
	}
	for origin, s := range EstimateServerResponseTimeByOrigin(records, rttByOrigin) {
		rtt, ok := rttByOrigin[origin]
		if !ok {
			rtt = minimumRTT
		}
		a.AdditionalRTTByOrigin[origin] = rtt - minimumRTT
		a.ServerResponseTimeByOrigin[origin] = s.Median
	}
	logging.Logger.WithField("rtt", a.RTT).WithField("throughput", a.Throughput).Debug("netanalysis: estimated network")
	return a, nil
}

// ToLanternData returns the per-origin estimates of the http(s) origins and
// the SummaryKey fallback.
func (a *Analysis) ToLanternData() *LanternData {
	d := &LanternData{
		AdditionalRTTByOrigin:      map[string]float64{},
		ServerResponseTimeByOrigin: map[string]float64{},
	}
	for origin, v := range a.AdditionalRTTByOrigin {
		if strings.HasPrefix(origin, "http") || origin == SummaryKey {
			d.AdditionalRTTByOrigin[origin] = v
		}
	}
	for origin, v := range a.ServerResponseTimeByOrigin {
		if strings.HasPrefix(origin, "http") || origin == SummaryKey {
			d.ServerResponseTimeByOrigin[origin] = v
		}
	}
	return d
}
