package netanalysis

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/m-lab/lantern/lanterntest"
	"github.com/m-lab/lantern/netrecord"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6*math.Max(1, math.Abs(b))
}

func pageRecords(t *testing.T) []*netrecord.Record {
	records, err := netrecord.Parse(lanterntest.DevtoolsLogJSON())
	if err != nil {
		t.Fatal(err)
	}
	return records
}

func record(id, url string, start, end float64) *netrecord.Record {
	r := &netrecord.Record{
		RequestID:            id,
		StartTime:            start,
		ResponseReceivedTime: start,
		EndTime:              end,
		ResourceType:         netrecord.Document,
		StatusCode:           200,
		Finished:             true,
		TransferSize:         1000,
	}
	r.SetURL(url)
	return r
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   Summary
	}{
		{name: "empty", want: Summary{}},
		{name: "one", values: []float64{4}, want: Summary{Min: 4, Max: 4, Avg: 4, Median: 4}},
		{name: "even", values: []float64{5, 1, 3, 2}, want: Summary{Min: 1, Max: 5, Avg: 2.75, Median: 2}},
		{name: "odd", values: []float64{9, 1, 4}, want: Summary{Min: 1, Max: 9, Avg: 14.0 / 3, Median: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.values); got != tt.want {
				t.Errorf("Summarize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGroupByOrigin(t *testing.T) {
	groups := GroupByOrigin(pageRecords(t))
	var origins []string
	var sizes []int
	for _, g := range groups {
		origins = append(origins, g.Origin)
		sizes = append(sizes, len(g.Records))
	}
	if !reflect.DeepEqual(origins, []string{"https://example.com", "https://cdn.example.com"}) {
		t.Errorf("origins = %v", origins)
	}
	if !reflect.DeepEqual(sizes, []int{4, 1}) {
		t.Errorf("sizes = %v", sizes)
	}
}

func TestEstimateIfConnectionWasReused(t *testing.T) {
	records := pageRecords(t)
	reusedIDs := func(m map[*netrecord.Record]bool) []string {
		var out []string
		for _, r := range records {
			if m[r] {
				out = append(out, r.RequestID)
			}
		}
		return out
	}
	if got := reusedIDs(EstimateIfConnectionWasReused(records, false)); !reflect.DeepEqual(got, []string{"2", "5"}) {
		t.Errorf("trusted reuse = %v", got)
	}
	if got := reusedIDs(EstimateIfConnectionWasReused(records, true)); !reflect.DeepEqual(got, []string{"2", "3", "5"}) {
		t.Errorf("coarse reuse = %v", got)
	}

	// A single connection id cannot be trusted.
	a := record("a", "https://x.com/a", 1, 2)
	b := record("b", "https://x.com/b", 1.5, 3)
	c := record("c", "https://x.com/c", 2.5, 3)
	b.ConnectionReused = true
	got := EstimateIfConnectionWasReused([]*netrecord.Record{a, b, c}, false)
	want := map[*netrecord.Record]bool{a: false, b: false, c: true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EstimateIfConnectionWasReused() = %v, want %v", got, want)
	}

	h2 := record("h", "https://y.com/h", 1, 2)
	h2b := record("i", "https://y.com/i", 1.1, 2)
	h2.Protocol, h2b.Protocol = "h2", "h2"
	got = EstimateIfConnectionWasReused([]*netrecord.Record{h2, h2b}, true)
	if got[h2] || !got[h2b] {
		t.Errorf("h2 reuse = %v", got)
	}
}

func TestEstimateRTTByOrigin(t *testing.T) {
	summaries, err := EstimateRTTByOrigin(pageRecords(t), RTTOptions{})
	if err != nil {
		t.Fatal(err)
	}
	for _, origin := range []string{"https://example.com", "https://cdn.example.com", SummaryKey} {
		if s, ok := summaries[origin]; !ok || s.Min != 20 || s.Max != 20 {
			t.Errorf("summary[%s] = %+v, %v", origin, s, ok)
		}
	}

	t.Run("coarse", func(t *testing.T) {
		r := record("a", "https://x.com/", 1, 1.2)
		r.Timing = &netrecord.Timing{
			RequestTime: 1, DNSStart: -1, DNSEnd: -1, ConnectStart: -1, ConnectEnd: -1,
			SSLStart: -1, SSLEnd: -1, SendStart: 30, SendEnd: 31, ReceiveHeadersEnd: 100,
		}
		summaries, err := EstimateRTTByOrigin([]*netrecord.Record{r}, RTTOptions{})
		if err != nil {
			t.Fatal(err)
		}
		// sendStart: 30/3 rounds, headers end: (100-40)/4 rounds, both *0.3.
		s := summaries["https://x.com"]
		if !near(s.Min, 3) || !near(s.Max, 4.5) || !near(s.Median, 3) {
			t.Errorf("coarse summary = %+v", s)
		}
	})

	t.Run("no-timing", func(t *testing.T) {
		_, err := EstimateRTTByOrigin([]*netrecord.Record{record("a", "https://x.com/", 1, 2)}, RTTOptions{})
		if !errors.Is(err, ErrNoTimingInfo) {
			t.Errorf("EstimateRTTByOrigin() error = %v", err)
		}
	})
}

func TestEstimateThroughput(t *testing.T) {
	if got := EstimateThroughput(pageRecords(t)); !near(got, 86000*8/0.32) {
		t.Errorf("EstimateThroughput() = %v", got)
	}
	skipped := []*netrecord.Record{
		record("data", "data:text/plain,hi", 1, 2),
		record("failed", "https://x.com/f", 1, 2),
		record("redirect", "https://x.com/r", 1, 2),
		record("empty", "https://x.com/e", 1, 2),
		record("unfinished", "https://x.com/u", 1, 2),
	}
	skipped[1].Failed = true
	skipped[2].StatusCode = 301
	skipped[3].TransferSize = 0
	skipped[4].Finished = false
	if got := EstimateThroughput(skipped); !math.IsInf(got, 1) {
		t.Errorf("EstimateThroughput() = %v, want +Inf", got)
	}
}

func TestFindMainDocument(t *testing.T) {
	records := pageRecords(t)
	main, err := FindMainDocument(records, "")
	if err != nil || main.RequestID != "1" {
		t.Errorf("FindMainDocument() = %v, %v", main, err)
	}
	main, err = FindMainDocument(records, "https://cdn.example.com/hero.png")
	if err != nil || main.RequestID != "4" {
		t.Errorf("FindMainDocument(finalURL) = %v, %v", main, err)
	}
	if _, err := FindMainDocument(records[1:2], ""); !errors.Is(err, ErrNoMainDocument) {
		t.Errorf("FindMainDocument() error = %v", err)
	}
}

func TestAnalyze(t *testing.T) {
	a, err := Analyze(pageRecords(t))
	if err != nil {
		t.Fatal(err)
	}
	if a.RTT != 20 {
		t.Errorf("RTT = %v", a.RTT)
	}
	wantAdditional := map[string]float64{"https://example.com": 0, "https://cdn.example.com": 0, SummaryKey: 0}
	if !reflect.DeepEqual(a.AdditionalRTTByOrigin, wantAdditional) {
		t.Errorf("AdditionalRTTByOrigin = %v", a.AdditionalRTTByOrigin)
	}
	wantResponse := map[string]float64{"https://example.com": 18, "https://cdn.example.com": 48, SummaryKey: 28}
	for origin, want := range wantResponse {
		if !near(a.ServerResponseTimeByOrigin[origin], want) {
			t.Errorf("ServerResponseTimeByOrigin[%s] = %v, want %v", origin, a.ServerResponseTimeByOrigin[origin], want)
		}
	}
	if len(a.ServerResponseTimeByOrigin) != len(wantResponse) {
		t.Errorf("ServerResponseTimeByOrigin = %v", a.ServerResponseTimeByOrigin)
	}

	a.AdditionalRTTByOrigin["chrome-extension://abc"] = 5
	d := a.ToLanternData()
	if _, ok := d.AdditionalRTTByOrigin["chrome-extension://abc"]; ok {
		t.Error("ToLanternData() should drop non-http origins")
	}
	if _, ok := d.ServerResponseTimeByOrigin[SummaryKey]; !ok {
		t.Error("ToLanternData() should keep the summary entry")
	}
}
