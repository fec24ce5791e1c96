// Package netrecord contains the normalized network request model used by
// the dependency graph and the simulator, and the code that derives it from
// a devtools protocol log.
package netrecord

import (
	"math"
	"net/url"
	"strings"
)

// ResourceType is the devtools resource type of a request.
type ResourceType string

// Resource types we care about. Anything else is kept verbatim.
const (
	Document   ResourceType = "Document"
	Stylesheet ResourceType = "Stylesheet"
	Image      ResourceType = "Image"
	Media      ResourceType = "Media"
	Font       ResourceType = "Font"
	Script     ResourceType = "Script"
	XHR        ResourceType = "XHR"
	Fetch      ResourceType = "Fetch"
	Other      ResourceType = "Other"
)

// Priority is the Chrome resource loading priority.
type Priority string

// Chrome loading priorities, from least to most important.
const (
	VeryLow  Priority = "VeryLow"
	Low      Priority = "Low"
	Medium   Priority = "Medium"
	High     Priority = "High"
	VeryHigh Priority = "VeryHigh"
)

// Timing is the resource timing of a request. All values except
// RequestTime are milliseconds relative to RequestTime (seconds); -1 means
// the phase did not happen.
type Timing struct {
	RequestTime       float64 `json:"requestTime"`
	DNSStart          float64 `json:"dnsStart"`
	DNSEnd            float64 `json:"dnsEnd"`
	ConnectStart      float64 `json:"connectStart"`
	ConnectEnd        float64 `json:"connectEnd"`
	SSLStart          float64 `json:"sslStart"`
	SSLEnd            float64 `json:"sslEnd"`
	SendStart         float64 `json:"sendStart"`
	SendEnd           float64 `json:"sendEnd"`
	ReceiveHeadersEnd float64 `json:"receiveHeadersEnd"`
}

// CallFrame is one frame of an initiator stack.
type CallFrame struct {
	URL          string `json:"url"`
	FunctionName string `json:"functionName,omitempty"`
}

// Stack is a (possibly async) initiator call stack.
type Stack struct {
	CallFrames []CallFrame `json:"callFrames"`
	Parent     *Stack      `json:"parent,omitempty"`
}

// Initiator describes what caused a request.
type Initiator struct {
	Type  string `json:"type"`
	URL   string `json:"url,omitempty"`
	Stack *Stack `json:"stack,omitempty"`
}

// Record is a single network request. Records are immutable once Parse
// returns them.
type Record struct {
	RequestID   string
	URL         string
	Scheme      string
	Host        string
	Origin      string
	DocumentURL string
	FrameID     string

	// StartTime, ResponseReceivedTime and EndTime are in seconds.
	StartTime            float64
	ResponseReceivedTime float64
	EndTime              float64

	TransferSize int64
	ResourceSize int64
	ResourceType ResourceType
	MimeType     string
	Protocol     string
	Priority     Priority
	StatusCode   int

	Initiator        Initiator
	InitiatorRequest *Record
	// Redirects lists the earlier hops of a redirect chain, oldest first.
	Redirects      []*Record
	RedirectSource *Record

	Timing           *Timing
	ConnectionID     string
	ConnectionReused bool
	FromDiskCache    bool
	FromMemoryCache  bool
	Failed           bool
	Finished         bool
}

// nonNetworkSchemes are schemes whose requests never touch a socket.
var nonNetworkSchemes = map[string]bool{
	"blob":             true,
	"data":             true,
	"intent":           true,
	"file":             true,
	"filesystem":       true,
	"chrome-extension": true,
}

// SetURL sets the URL and the fields derived from it.
func (r *Record) SetURL(raw string) {
	r.URL = raw
	r.Scheme, r.Host, r.Origin = "", "", ""
	u, err := url.Parse(raw)
	if err != nil {
		return
	}
	r.Scheme = strings.ToLower(u.Scheme)
	r.Host = u.Hostname()
	r.Origin = r.Scheme + "://" + u.Host
}

// IsNonNetwork returns whether the request was served without the network.
func (r *Record) IsNonNetwork() bool {
	return nonNetworkSchemes[r.Scheme]
}

// IsSecure returns whether establishing a connection requires TLS.
func (r *Record) IsSecure() bool {
	return r.Scheme == "https" || r.Scheme == "wss"
}

// IsH2 returns whether the request was multiplexed over HTTP/2.
func (r *Record) IsH2() bool {
	return r.Protocol == "h2"
}

// Valid reports whether all the timestamps of the record are finite.
func (r *Record) Valid() bool {
	for _, v := range []float64{r.StartTime, r.EndTime, r.ResponseReceivedTime} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// InitiatorURLs returns the URLs of the resources that initiated the
// request: the initiator URL when present, else every distinct URL on the
// script stack, including async parents.
func (r *Record) InitiatorURLs() []string {
	if r.Initiator.URL != "" {
		return []string{r.Initiator.URL}
	}
	if r.Initiator.Type != "script" {
		return nil
	}
	var urls []string
	seen := map[string]bool{}
	for stack := r.Initiator.Stack; stack != nil; stack = stack.Parent {
		for _, frame := range stack.CallFrames {
			if frame.URL == "" || seen[frame.URL] {
				continue
			}
			seen[frame.URL] = true
			urls = append(urls, frame.URL)
		}
	}
	return urls
}
