package simulator

import (
	"math"
)

const (
	initialCongestionWindow = 10
	tcpSegmentSize          = 1460
)

// ConnectionTiming breaks down the setup cost paid by a request. Zero
// fields did not apply, e.g. no DNS or TLS on a warm connection.
type ConnectionTiming struct {
	DNSResolutionTime float64 `json:"dnsResolutionTime,omitempty"`
	ConnectionTime    float64 `json:"connectionTime,omitempty"`
	SSLTime           float64 `json:"sslTime,omitempty"`
	TimeToFirstByte   float64 `json:"timeToFirstByte"`
}

// download is the outcome of advancing a transfer on a connection.
type download struct {
	roundTrips       int
	timeElapsed      float64
	bytesDownloaded  float64
	extraBytes       float64
	congestionWindow float64
	timing           ConnectionTiming
}

// downloadOptions bounds a call to simulateDownloadUntil. All values are
// milliseconds.
type downloadOptions struct {
	timeAlreadyElapsed  float64
	maximumTimeToElapse float64
	dnsResolutionTime   float64
}

// tcpConnection models one TCP (and optionally TLS) socket to an origin.
// rtt and serverLatency are milliseconds, throughput is bits per second.
type tcpConnection struct {
	rtt              float64
	throughput       float64
	serverLatency    float64
	ssl              bool
	h2               bool
	warmed           bool
	congestionWindow float64
	h2OverflowBytes  float64
}

func newTCPConnection(rtt, throughput, serverLatency float64, ssl, h2 bool) *tcpConnection {
	return &tcpConnection{
		rtt:              rtt,
		throughput:       throughput,
		serverLatency:    serverLatency,
		ssl:              ssl,
		h2:               h2,
		congestionWindow: initialCongestionWindow,
	}
}

// maximumSaturatedConnections returns how many connections can each move a
// full segment per round trip before they saturate the throughput.
func maximumSaturatedConnections(rtt, throughput float64) int {
	roundTripsPerSecond := 1000 / rtt
	bytesPerSecond := roundTripsPerSecond * tcpSegmentSize
	minimumThroughputPerRequest := bytesPerSecond * 8
	return int(math.Floor(throughput / minimumThroughputPerRequest))
}

func (c *tcpConnection) maximumCongestionWindow() float64 {
	bytesPerSecond := c.throughput / 8
	bytesPerRoundTrip := bytesPerSecond * (c.rtt / 1000)
	return math.Floor(bytesPerRoundTrip / tcpSegmentSize)
}

func (c *tcpConnection) clone() *tcpConnection {
	cp := *c
	return &cp
}

func (c *tcpConnection) setH2OverflowBytesDownloaded(bytes float64) {
	if !c.h2 {
		return
	}
	c.h2OverflowBytes = bytes
}

// simulateDownloadUntil advances a transfer of bytesToDownload bytes until
// it completes or opts.maximumTimeToElapse passes, whichever comes first.
// The connection is not modified.
func (c *tcpConnection) simulateDownloadUntil(bytesToDownload float64, opts downloadOptions) download {
	if c.warmed && c.h2 {
		bytesToDownload -= c.h2OverflowBytes
	}
	twoWayLatency := c.rtt
	oneWayLatency := twoWayLatency / 2
	maximumCongestionWindow := c.maximumCongestionWindow()

	handshakeAndRequest := oneWayLatency
	if !c.warmed {
		// DNS, SYN, SYN-ACK, ACK with the request, and one round trip of
		// TLS with False Start.
		handshakeAndRequest = opts.dnsResolutionTime + 3*oneWayLatency
		if c.ssl {
			handshakeAndRequest += twoWayLatency
		}
	}

	roundTrips := int(math.Ceil(handshakeAndRequest / twoWayLatency))
	timeToFirstByte := handshakeAndRequest + c.serverLatency + oneWayLatency
	if c.warmed && c.h2 {
		timeToFirstByte = 0
	}

	timeElapsedForTTFB := math.Max(timeToFirstByte-opts.timeAlreadyElapsed, 0)
	maximumDownloadTimeToElapse := opts.maximumTimeToElapse - timeElapsedForTTFB

	congestionWindow := math.Min(c.congestionWindow, maximumCongestionWindow)
	totalBytesDownloaded := 0.0
	if timeElapsedForTTFB > 0 {
		totalBytesDownloaded = congestionWindow * tcpSegmentSize
	} else {
		roundTrips = 0
	}

	downloadTimeElapsed := 0.0
	bytesRemaining := bytesToDownload - totalBytesDownloaded
	for bytesRemaining > 0 && downloadTimeElapsed <= maximumDownloadTimeToElapse {
		roundTrips++
		downloadTimeElapsed += twoWayLatency
		congestionWindow = math.Max(math.Min(maximumCongestionWindow, congestionWindow*2), 1)
		window := congestionWindow * tcpSegmentSize
		totalBytesDownloaded += window
		bytesRemaining -= window
	}

	d := download{
		roundTrips:       roundTrips,
		timeElapsed:      timeElapsedForTTFB + downloadTimeElapsed,
		bytesDownloaded:  math.Max(math.Min(totalBytesDownloaded, bytesToDownload), 0),
		congestionWindow: congestionWindow,
	}
	if c.h2 {
		d.extraBytes = math.Max(totalBytesDownloaded-bytesToDownload, 0)
	}
	switch {
	case !c.warmed:
		d.timing = ConnectionTiming{
			DNSResolutionTime: opts.dnsResolutionTime,
			ConnectionTime:    handshakeAndRequest - opts.dnsResolutionTime,
			TimeToFirstByte:   timeToFirstByte,
		}
		if c.ssl {
			d.timing.SSLTime = twoWayLatency
		}
	case c.h2:
		d.timing = ConnectionTiming{TimeToFirstByte: timeToFirstByte}
	default:
		d.timing = ConnectionTiming{ConnectionTime: handshakeAndRequest, TimeToFirstByte: timeToFirstByte}
	}
	return d
}
