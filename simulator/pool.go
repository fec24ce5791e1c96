package simulator

import (
	"errors"
	"fmt"

	"github.com/m-lab/lantern/netanalysis"
	"github.com/m-lab/lantern/netrecord"
	"golang.org/x/exp/slices"
)

const (
	// DefaultServerResponseTime is used for origins without an estimate (ms).
	DefaultServerResponseTime = 30
	// ConnectionsPerOrigin is the browser limit of HTTP/1 connections to
	// one origin.
	ConnectionsPerOrigin = 6
)

// ErrNoConnection is returned when an origin ends up without connections.
var ErrNoConnection = errors.New("could not find a connection for origin")

// connectionPool owns the connections of one simulation.
type connectionPool struct {
	byOrigin map[string][]*tcpConnection
	byRecord map[*netrecord.Record]*tcpConnection
	// inUse keeps acquisition order.
	inUse  []*tcpConnection
	origin map[*tcpConnection]string
	reused map[*netrecord.Record]bool
}

// lookupOrigin returns the per-origin value, else the summary value, else
// fallback.
func lookupOrigin(m map[string]float64, origin string, fallback float64) float64 {
	if v, ok := m[origin]; ok {
		return v
	}
	if v, ok := m[netanalysis.SummaryKey]; ok {
		return v
	}
	return fallback
}

// newConnectionPool creates one connection per request that did not reuse
// a connection, then pads every HTTP/1 origin up to ConnectionsPerOrigin.
func newConnectionPool(records []*netrecord.Record, opts *Options) (*connectionPool, error) {
	p := &connectionPool{
		byOrigin: map[string][]*tcpConnection{},
		byRecord: map[*netrecord.Record]*tcpConnection{},
		origin:   map[*tcpConnection]string{},
		reused:   netanalysis.EstimateIfConnectionWasReused(records, true),
	}
	for _, g := range netanalysis.GroupByOrigin(records) {
		additionalRTT := lookupOrigin(opts.AdditionalRTTByOrigin, g.Origin, 0)
		responseTime := lookupOrigin(opts.ServerResponseTimeByOrigin, g.Origin, DefaultServerResponseTime)
		var conns []*tcpConnection
		for _, r := range g.Records {
			if p.reused[r] {
				continue
			}
			conns = append(conns, newTCPConnection(opts.RTT+additionalRTT, opts.Throughput, responseTime, r.IsSecure(), r.IsH2()))
		}
		if len(conns) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoConnection, g.Origin)
		}
		minimum := ConnectionsPerOrigin
		if conns[0].h2 {
			minimum = 1
		}
		for len(conns) < minimum {
			conns = append(conns, conns[0].clone())
		}
		for _, c := range conns {
			p.origin[c] = g.Origin
		}
		p.byOrigin[g.Origin] = conns
	}
	return p, nil
}

// connectionsInUse returns the acquired connections. The caller must not
// modify the returned slice.
func (p *connectionPool) connectionsInUse() []*tcpConnection {
	return p.inUse
}

func (p *connectionPool) inUseForOrigin(origin string) int {
	n := 0
	for _, c := range p.inUse {
		if p.origin[c] == origin {
			n++
		}
	}
	return n
}

// acquire returns the connection of r, assigning the free connection with
// the largest congestion window if r has none yet. The connection warmth
// must match the observed reuse of r unless ignoreReuse is set. It returns
// nil when no connection is available.
func (p *connectionPool) acquire(r *netrecord.Record, ignoreReuse bool) *tcpConnection {
	if c, ok := p.byRecord[r]; ok {
		return c
	}
	if p.inUseForOrigin(r.Origin) >= ConnectionsPerOrigin {
		return nil
	}
	observedReuse := p.reused[r]
	var best *tcpConnection
	for _, c := range p.byOrigin[r.Origin] {
		if !ignoreReuse && c.warmed != observedReuse {
			continue
		}
		if slices.Contains(p.inUse, c) {
			continue
		}
		if best == nil || c.congestionWindow > best.congestionWindow {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	p.inUse = append(p.inUse, best)
	p.byRecord[r] = best
	return best
}

// release returns the connection of r to the pool.
func (p *connectionPool) release(r *netrecord.Record) {
	c, ok := p.byRecord[r]
	if !ok {
		return
	}
	delete(p.byRecord, r)
	if i := slices.Index(p.inUse, c); i >= 0 {
		p.inUse = slices.Delete(p.inUse, i, i+1)
	}
}
