// Package netanalysis estimates the network conditions of an observed page
// load: round trip time and server response time per origin, connection
// reuse, and available throughput.
package netanalysis

import (
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/m-lab/lantern/netrecord"
)

// SummaryKey is the pseudo-origin aggregating the estimates of every origin.
const SummaryKey = "__SUMMARY__"

const (
	// initialCongestionWindowBytes is the amount of data a fresh connection
	// delivers in its first round trip.
	initialCongestionWindowBytes = 14 * 1024
	// defaultCoarseEstimateMultiplier deflates the coarse RTT estimates,
	// which include server and download time.
	defaultCoarseEstimateMultiplier = 0.3
	// maxDownloadRoundTrips bounds the transfers used for RTT estimation;
	// longer ones are dominated by bandwidth.
	maxDownloadRoundTrips = 5
	minHeadersEndEstimate = 3
)

// serverResponseShareOfTTFB is the share of time to first byte attributed
// to the server, by resource type.
var serverResponseShareOfTTFB = map[netrecord.ResourceType]float64{
	netrecord.Document: 0.4,
	netrecord.XHR:      0.2,
	netrecord.Fetch:    0.2,
}

const defaultServerResponseShare = 0.4

// ErrNoTimingInfo is returned when no record carries usable timing.
var ErrNoTimingInfo = errors.New("no timing information available")

// ErrNoMainDocument is returned by FindMainDocument when no request loaded
// a document.
var ErrNoMainDocument = errors.New("unable to identify the main resource")

// Summary holds order statistics of a set of estimates.
type Summary struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
}

// Group is the records of one origin, in request order.
type Group struct {
	Origin  string
	Records []*netrecord.Record
}

// GroupByOrigin groups records by origin, keeping the order in which the
// origins first appear.
func GroupByOrigin(records []*netrecord.Record) []Group {
	var groups []Group
	index := map[string]int{}
	for _, r := range records {
		i, ok := index[r.Origin]
		if !ok {
			i = len(groups)
			index[r.Origin] = i
			groups = append(groups, Group{Origin: r.Origin})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	return groups
}

// Summarize returns the summary of values. values is sorted in place.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sort.Float64s(values)
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return Summary{
		Min:    values[0],
		Max:    values[len(values)-1],
		Avg:    sum / float64(len(values)),
		Median: values[(len(values)-1)/2],
	}
}

// estimates are values keyed by origin, with the origins kept in order.
type estimates struct {
	origins []string
	values  map[string][]float64
}

func newEstimates() *estimates {
	return &estimates{values: map[string][]float64{}}
}

func (e *estimates) add(origin string, vs ...float64) {
	if len(vs) == 0 {
		return
	}
	if _, ok := e.values[origin]; !ok {
		e.origins = append(e.origins, origin)
	}
	e.values[origin] = append(e.values[origin], vs...)
}

func (e *estimates) empty() bool {
	return len(e.origins) == 0
}

// summarize returns the summary of every origin plus the SummaryKey entry
// over all values.
func (e *estimates) summarize() map[string]Summary {
	out := map[string]Summary{}
	var all []float64
	for _, origin := range e.origins {
		all = append(all, e.values[origin]...)
		out[origin] = Summarize(append([]float64(nil), e.values[origin]...))
	}
	if len(all) > 0 {
		out[SummaryKey] = Summarize(all)
	}
	return out
}

// estimator derives zero or more values from one record with timing.
type estimator func(r *netrecord.Record, t *netrecord.Timing, reused bool) []float64

func estimateByOrigin(records []*netrecord.Record, fn estimator) *estimates {
	reused := EstimateIfConnectionWasReused(records, false)
	out := newEstimates()
	for _, g := range GroupByOrigin(records) {
		for _, r := range g.Records {
			if r.Timing == nil {
				continue
			}
			for _, v := range fn(r, r.Timing, reused[r]) {
				// Invalid timing never counts as a zero estimate.
				if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
					continue
				}
				out.add(g.Origin, v)
			}
		}
	}
	return out
}

func validPhase(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func rttViaTCPTiming(r *netrecord.Record, t *netrecord.Timing, reused bool) []float64 {
	if reused {
		return nil
	}
	// A TLS connection yields one estimate for the TCP handshake and one
	// for the TLS handshake, assuming False Start.
	if t.SSLStart > 0 && t.SSLEnd > 0 {
		return []float64{t.ConnectEnd - t.SSLStart, t.SSLStart - t.ConnectStart}
	}
	if t.ConnectStart > 0 && t.ConnectEnd > 0 {
		return []float64{t.ConnectEnd - t.ConnectStart}
	}
	return nil
}

func rttViaDownloadTiming(r *netrecord.Record, t *netrecord.Timing, reused bool) []float64 {
	if reused || r.TransferSize <= initialCongestionWindowBytes || !validPhase(t.ReceiveHeadersEnd) {
		return nil
	}
	totalTime := (r.EndTime - r.StartTime) * 1000
	afterFirstByte := totalTime - t.ReceiveHeadersEnd
	roundTrips := math.Log2(float64(r.TransferSize) / initialCongestionWindowBytes)
	if roundTrips > maxDownloadRoundTrips {
		return nil
	}
	return []float64{afterFirstByte / roundTrips}
}

func rttViaSendStartTiming(r *netrecord.Record, t *netrecord.Timing, reused bool) []float64 {
	if reused || !validPhase(t.SendStart) {
		return nil
	}
	// DNS and TCP handshake, plus TLS for https.
	roundTrips := 2.0
	if r.Scheme == "https" {
		roundTrips++
	}
	return []float64{t.SendStart / roundTrips}
}

func rttViaHeadersEndTiming(r *netrecord.Record, t *netrecord.Timing, reused bool) []float64 {
	if !validPhase(t.ReceiveHeadersEnd) || r.ResourceType == "" {
		return nil
	}
	share, ok := serverResponseShareOfTTFB[r.ResourceType]
	if !ok {
		share = defaultServerResponseShare
	}
	serverTime := t.ReceiveHeadersEnd * share
	// The request itself, plus DNS, TCP and TLS on a fresh connection.
	roundTrips := 1.0
	if !reused {
		roundTrips += 2
		if r.Scheme == "https" {
			roundTrips++
		}
	}
	return []float64{math.Max((t.ReceiveHeadersEnd-serverTime)/roundTrips, minHeadersEndEstimate)}
}

// canTrustConnectionInformation returns whether every reused connection id
// was also seen starting fresh.
func canTrustConnectionInformation(records []*netrecord.Record) bool {
	started := map[string]bool{}
	for _, r := range records {
		started[r.ConnectionID] = started[r.ConnectionID] || !r.ConnectionReused
	}
	if len(started) <= 1 {
		return false
	}
	for _, s := range started {
		if !s {
			return false
		}
	}
	return true
}

// EstimateIfConnectionWasReused returns, per record, whether it reused an
// existing connection. The protocol reported value is used when it is
// consistent and forceCoarse is false. Otherwise a request is assumed to
// reuse a connection when it started after an earlier request to its
// origin finished, or when it used H2; the first request to an origin
// never does.
func EstimateIfConnectionWasReused(records []*netrecord.Record, forceCoarse bool) map[*netrecord.Record]bool {
	reused := make(map[*netrecord.Record]bool, len(records))
	if !forceCoarse && canTrustConnectionInformation(records) {
		for _, r := range records {
			reused[r] = r.ConnectionReused
		}
		return reused
	}
	for _, g := range GroupByOrigin(records) {
		earliestReuse := math.Inf(1)
		first := g.Records[0]
		for _, r := range g.Records {
			earliestReuse = math.Min(earliestReuse, r.EndTime)
			if r.StartTime < first.StartTime {
				first = r
			}
		}
		for _, r := range g.Records {
			reused[r] = r.StartTime >= earliestReuse || r.IsH2()
		}
		reused[first] = false
	}
	return reused
}

// RTTOptions tunes EstimateRTTByOrigin.
type RTTOptions struct {
	// ForceCoarseEstimates skips the TCP handshake timing.
	ForceCoarseEstimates bool
	// CoarseEstimateMultiplier scales the coarse estimates. Zero means 0.3.
	CoarseEstimateMultiplier float64
}

// EstimateRTTByOrigin estimates the round trip time (ms) to each origin.
// Handshake timing is used when available, otherwise coarse estimates from
// download, send start and headers timing.
func EstimateRTTByOrigin(records []*netrecord.Record, opts RTTOptions) (map[string]Summary, error) {
	est := estimateByOrigin(records, rttViaTCPTiming)
	if est.empty() || opts.ForceCoarseEstimates {
		multiplier := opts.CoarseEstimateMultiplier
		if multiplier == 0 {
			multiplier = defaultCoarseEstimateMultiplier
		}
		est = newEstimates()
		for _, fn := range []estimator{rttViaDownloadTiming, rttViaSendStartTiming, rttViaHeadersEndTiming} {
			part := estimateByOrigin(records, fn)
			for _, origin := range part.origins {
				est.add(origin, part.values[origin]...)
			}
		}
		for _, origin := range est.origins {
			for i := range est.values[origin] {
				est.values[origin][i] *= multiplier
			}
		}
	}
	if est.empty() {
		return nil, ErrNoTimingInfo
	}
	return est.summarize(), nil
}

// EstimateServerResponseTimeByOrigin estimates the time (ms) each origin
// spends producing a response: time to first byte minus one round trip.
// rttByOrigin falls back to its SummaryKey entry for unknown origins.
func EstimateServerResponseTimeByOrigin(records []*netrecord.Record, rttByOrigin map[string]float64) map[string]Summary {
	est := estimateByOrigin(records, func(r *netrecord.Record, t *netrecord.Timing, _ bool) []float64 {
		if !validPhase(t.ReceiveHeadersEnd) || !validPhase(t.SendEnd) {
			return nil
		}
		rtt, ok := rttByOrigin[r.Origin]
		if !ok {
			rtt = rttByOrigin[SummaryKey]
		}
		return []float64{math.Max(t.ReceiveHeadersEnd-t.SendEnd-rtt, 0)}
	})
	return est.summarize()
}

// EstimateThroughput returns the observed throughput in bits per second:
// the bytes of every successful transfer over the time at least one
// transfer was receiving data. It returns +Inf when nothing qualifies.
func EstimateThroughput(records []*netrecord.Record) float64 {
	type boundary struct {
		time  float64
		start bool
	}
	var boundaries []boundary
	totalBytes := 0.0
	for _, r := range records {
		if r.Scheme == "data" || r.Failed || !r.Finished || r.StatusCode > 300 || r.TransferSize == 0 {
			continue
		}
		totalBytes += float64(r.TransferSize)
		boundaries = append(boundaries,
			boundary{time: r.ResponseReceivedTime, start: true},
			boundary{time: r.EndTime})
	}
	if len(boundaries) == 0 {
		return math.Inf(1)
	}
	sort.SliceStable(boundaries, func(i, j int) bool {
		return boundaries[i].time < boundaries[j].time
	})
	inflight := 0
	currentStart, totalDuration := 0.0, 0.0
	for _, b := range boundaries {
		if b.start {
			if inflight == 0 {
				currentStart = b.time
			}
			inflight++
			continue
		}
		inflight--
		if inflight == 0 {
			totalDuration += b.time - currentStart
		}
	}
	return totalBytes * 8 / totalDuration
}

// FindMainDocument returns the request for finalURL if given and present,
// otherwise the earliest Document request.
func FindMainDocument(records []*netrecord.Record, finalURL string) (*netrecord.Record, error) {
	if finalURL != "" {
		for _, r := range records {
			if strings.HasPrefix(finalURL, r.URL) {
				return r, nil
			}
		}
	}
	var main *netrecord.Record
	for _, r := range records {
		if r.ResourceType != netrecord.Document {
			continue
		}
		if main == nil || r.StartTime < main.StartTime {
			main = r
		}
	}
	if main == nil {
		return nil, ErrNoMainDocument
	}
	return main, nil
}
