package netrecord

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/m-lab/lantern/logging"
)

// ErrMalformed is returned when a devtools log cannot be decoded.
var ErrMalformed = errors.New("malformed devtools log")

// ErrInvalidTimestamp is returned when a record carries a non-finite time.
var ErrInvalidTimestamp = errors.New("invalid network record timestamp")

// LogEntry is one devtools protocol message.
type LogEntry struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type requestWillBeSent struct {
	RequestID   string `json:"requestId"`
	DocumentURL string `json:"documentURL"`
	FrameID     string `json:"frameId"`
	Request     struct {
		URL             string   `json:"url"`
		InitialPriority Priority `json:"initialPriority"`
	} `json:"request"`
	Timestamp        float64      `json:"timestamp"`
	Initiator        Initiator    `json:"initiator"`
	Type             ResourceType `json:"type"`
	RedirectResponse *response    `json:"redirectResponse"`
}

type response struct {
	URL               string      `json:"url"`
	Status            int         `json:"status"`
	Protocol          string      `json:"protocol"`
	MimeType          string      `json:"mimeType"`
	EncodedDataLength float64     `json:"encodedDataLength"`
	FromDiskCache     bool        `json:"fromDiskCache"`
	ConnectionID      json.Number `json:"connectionId"`
	ConnectionReused  bool        `json:"connectionReused"`
	Timing            *Timing     `json:"timing"`
}

type responseReceived struct {
	RequestID string       `json:"requestId"`
	Timestamp float64      `json:"timestamp"`
	Type      ResourceType `json:"type"`
	Response  response     `json:"response"`
}

type dataReceived struct {
	RequestID         string `json:"requestId"`
	DataLength        int64  `json:"dataLength"`
	EncodedDataLength int64  `json:"encodedDataLength"`
}

type loadingFinished struct {
	RequestID         string  `json:"requestId"`
	Timestamp         float64 `json:"timestamp"`
	EncodedDataLength float64 `json:"encodedDataLength"`
}

type loadingFailed struct {
	RequestID string  `json:"requestId"`
	Timestamp float64 `json:"timestamp"`
	Canceled  bool    `json:"canceled"`
}

type priorityChanged struct {
	RequestID   string   `json:"requestId"`
	NewPriority Priority `json:"newPriority"`
}

type servedFromCache struct {
	RequestID string `json:"requestId"`
}

// recorder accumulates records while replaying a devtools log.
type recorder struct {
	records []*Record
	byID    map[string]*Record
}

// Parse decodes a devtools log (a JSON array of protocol messages) and
// returns the network records it describes, in request order.
func Parse(data []byte) ([]*Record, error) {
	var entries []LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return FromLog(entries)
}

// FromLog replays the Network domain messages of a devtools log and
// returns the resulting records. Messages about unknown requests are
// ignored.
func FromLog(entries []LogEntry) ([]*Record, error) {
	r := &recorder{byID: map[string]*Record{}}
	for i := range entries {
		if !strings.HasPrefix(entries[i].Method, "Network.") {
			continue
		}
		if err := r.dispatch(&entries[i]); err != nil {
			return nil, fmt.Errorf("%w: entry %d (%s): %v", ErrMalformed, i, entries[i].Method, err)
		}
	}
	r.finalize()
	for _, rec := range r.records {
		if !rec.Valid() {
			return nil, fmt.Errorf("%w: request %s", ErrInvalidTimestamp, rec.RequestID)
		}
	}
	return r.records, nil
}

func (r *recorder) dispatch(e *LogEntry) error {
	switch e.Method {
	case "Network.requestWillBeSent":
		var p requestWillBeSent
		if err := json.Unmarshal(e.Params, &p); err != nil {
			return err
		}
		r.onRequestWillBeSent(&p)
	case "Network.responseReceived":
		var p responseReceived
		if err := json.Unmarshal(e.Params, &p); err != nil {
			return err
		}
		if rec := r.byID[p.RequestID]; rec != nil {
			if p.Type != "" {
				rec.ResourceType = p.Type
			}
			applyResponse(rec, &p.Response, p.Timestamp)
		}
	case "Network.dataReceived":
		var p dataReceived
		if err := json.Unmarshal(e.Params, &p); err != nil {
			return err
		}
		if rec := r.byID[p.RequestID]; rec != nil {
			rec.ResourceSize += p.DataLength
			if p.EncodedDataLength > 0 {
				rec.TransferSize += p.EncodedDataLength
			}
		}
	case "Network.loadingFinished":
		var p loadingFinished
		if err := json.Unmarshal(e.Params, &p); err != nil {
			return err
		}
		if rec := r.byID[p.RequestID]; rec != nil {
			rec.Finished = true
			rec.EndTime = p.Timestamp
			if p.EncodedDataLength >= 0 {
				rec.TransferSize = int64(p.EncodedDataLength)
			}
			clampResponseReceived(rec)
		}
	case "Network.loadingFailed":
		var p loadingFailed
		if err := json.Unmarshal(e.Params, &p); err != nil {
			return err
		}
		if rec := r.byID[p.RequestID]; rec != nil {
			rec.Finished = true
			rec.Failed = true
			rec.EndTime = p.Timestamp
			clampResponseReceived(rec)
		}
	case "Network.resourceChangedPriority":
		var p priorityChanged
		if err := json.Unmarshal(e.Params, &p); err != nil {
			return err
		}
		if rec := r.byID[p.RequestID]; rec != nil {
			rec.Priority = p.NewPriority
		}
	case "Network.requestServedFromCache":
		var p servedFromCache
		if err := json.Unmarshal(e.Params, &p); err != nil {
			return err
		}
		if rec := r.byID[p.RequestID]; rec != nil {
			rec.FromMemoryCache = true
		}
	}
	return nil
}

func (r *recorder) onRequestWillBeSent(p *requestWillBeSent) {
	prev := r.byID[p.RequestID]
	rec := &Record{
		RequestID:            p.RequestID,
		DocumentURL:          p.DocumentURL,
		FrameID:              p.FrameID,
		StartTime:            p.Timestamp,
		ResponseReceivedTime: -1,
		EndTime:              -1,
		ResourceType:         p.Type,
		Priority:             p.Request.InitialPriority,
		Initiator:            p.Initiator,
	}
	rec.SetURL(p.Request.URL)
	if rec.ResourceType == "" {
		rec.ResourceType = Other
	}
	if prev != nil && p.RedirectResponse != nil {
		// The previous hop ends when the redirect is followed.
		applyResponse(prev, p.RedirectResponse, p.Timestamp)
		prev.Finished = true
		prev.EndTime = p.Timestamp
		clampResponseReceived(prev)
		prev.RequestID += ":redirect"
		rec.RedirectSource = prev
	} else if prev != nil {
		logging.Logger.WithField("requestId", p.RequestID).Debug("netrecord: duplicate requestWillBeSent")
	}
	r.records = append(r.records, rec)
	r.byID[p.RequestID] = rec
}

func applyResponse(rec *Record, resp *response, timestamp float64) {
	rec.StatusCode = resp.Status
	rec.Protocol = strings.ToLower(resp.Protocol)
	rec.MimeType = resp.MimeType
	rec.FromDiskCache = resp.FromDiskCache
	rec.ConnectionID = resp.ConnectionID.String()
	rec.ConnectionReused = resp.ConnectionReused
	rec.ResponseReceivedTime = timestamp
	if resp.EncodedDataLength > 0 {
		rec.TransferSize = int64(resp.EncodedDataLength)
	}
	if rec.Protocol == "" && rec.IsNonNetwork() {
		rec.Protocol = rec.Scheme
	}
	if resp.Timing == nil {
		return
	}
	t := *resp.Timing
	rec.Timing = &t
	// Invalid resource timing leaves the event timestamps in place.
	if t.RequestTime == 0 || t.ReceiveHeadersEnd == -1 {
		return
	}
	rec.StartTime = t.RequestTime
	headersReceived := t.RequestTime + t.ReceiveHeadersEnd/1000
	if rec.ResponseReceivedTime < 0 || headersReceived < rec.ResponseReceivedTime {
		rec.ResponseReceivedTime = headersReceived
	}
	if rec.ResponseReceivedTime < rec.StartTime {
		rec.ResponseReceivedTime = rec.StartTime
	}
	if rec.EndTime < rec.ResponseReceivedTime {
		rec.EndTime = rec.ResponseReceivedTime
	}
}

func clampResponseReceived(rec *Record) {
	if rec.ResponseReceivedTime < 0 || rec.ResponseReceivedTime > rec.EndTime {
		rec.ResponseReceivedTime = rec.EndTime
	}
}

// finalize fills in the fields that depend on the whole log: redirect
// chains, initiator requests, and end times of requests that never
// finished.
func (r *recorder) finalize() {
	byURL := map[string][]*Record{}
	for _, rec := range r.records {
		byURL[rec.URL] = append(byURL[rec.URL], rec)
		if rec.EndTime < 0 {
			rec.EndTime = rec.StartTime
			if rec.ResponseReceivedTime > rec.EndTime {
				rec.EndTime = rec.ResponseReceivedTime
			}
		}
		clampResponseReceived(rec)
	}
	for _, rec := range r.records {
		var chain []*Record
		for src := rec.RedirectSource; src != nil; src = src.RedirectSource {
			chain = append([]*Record{src}, chain...)
		}
		rec.Redirects = chain
	}
	for _, rec := range r.records {
		rec.InitiatorRequest = chooseInitiatorRequest(rec, byURL)
	}
}

// chooseInitiatorRequest returns the request that initiated rec, or nil if
// the answer is ambiguous.
func chooseInitiatorRequest(rec *Record, byURL map[string][]*Record) *Record {
	if rec.RedirectSource != nil {
		return rec.RedirectSource
	}
	urls := rec.InitiatorURLs()
	if len(urls) == 0 {
		return nil
	}
	var candidates []*Record
	for _, c := range byURL[urls[0]] {
		if c != rec && c.ResponseReceivedTime <= rec.StartTime && !c.Failed {
			candidates = append(candidates, c)
		}
	}
	candidates = narrow(candidates, func(c *Record) bool { return c.ResourceType != Other })
	candidates = narrow(candidates, func(c *Record) bool { return c.FrameID == rec.FrameID })
	if rec.Initiator.Type == "parser" {
		candidates = narrow(candidates, func(c *Record) bool { return c.ResourceType == Document })
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	return nil
}

// narrow filters an ambiguous candidate list, keeping the original list
// when the filter would leave nothing.
func narrow(candidates []*Record, keep func(*Record) bool) []*Record {
	if len(candidates) <= 1 {
		return candidates
	}
	var out []*Record
	for _, c := range candidates {
		if keep(c) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}
