package simulator

import (
	"math"

	"github.com/m-lab/lantern/netrecord"
)

// dnsResolutionRTTMultiplier is the number of round trips a cold DNS lookup
// costs.
const dnsResolutionRTTMultiplier = 2

// dnsCache remembers when each host finished resolving during one
// simulation.
type dnsCache struct {
	rtt        float64
	resolvedAt map[string]float64
}

func newDNSCache(rtt float64) *dnsCache {
	return &dnsCache{rtt: rtt, resolvedAt: map[string]float64{}}
}

// timeUntilResolution returns how long a request issued at requestedAt
// waits for its host to resolve. The cache only learns the answer when
// update is set.
func (d *dnsCache) timeUntilResolution(r *netrecord.Record, requestedAt float64, update bool) float64 {
	wait := d.rtt * dnsResolutionRTTMultiplier
	if at, ok := d.resolvedAt[r.Host]; ok {
		wait = math.Min(math.Max(at-requestedAt, 0), wait)
	}
	if update {
		resolved := requestedAt + wait
		if at, ok := d.resolvedAt[r.Host]; !ok || resolved < at {
			d.resolvedAt[r.Host] = resolved
		}
	}
	return wait
}
