// Package access limits the work the lantern server accepts.
package access

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	currentRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lantern_access_maxcontroller_current",
			Help: "Current number of requests handled by the access maxcontroller.",
		},
	)
	accessRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lantern_access_requests_total",
			Help: "Total number of requests handled by the access controllers.",
		},
		[]string{"controller", "request"},
	)
)

// Controller is the interface that all access control types should implement.
type Controller interface {
	Limit(next http.Handler) http.Handler
}

// Chain applies the controllers to next, the first controller outermost.
func Chain(next http.Handler, controllers ...Controller) http.Handler {
	for i := len(controllers) - 1; i >= 0; i-- {
		next = controllers[i].Limit(next)
	}
	return next
}

// MaxController controls the total number of simulations that may run
// simultaneously. May be used on handlers for multiple endpoints.
type MaxController struct {
	Max     int64
	Current int64
}

// Limit enforces the Concurrent Max limit while running the next handler.
func (c *MaxController) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&c.Current, 1)
		currentRequests.Set(float64(cur))
		defer func() {
			cur := atomic.AddInt64(&c.Current, -1)
			currentRequests.Set(float64(cur))
		}()
		if c.Max > 0 && cur > c.Max {
			accessRequests.WithLabelValues("max", "rejected").Inc()
			// 503 - https://tools.ietf.org/html/rfc7231#section-6.6.4
			w.WriteHeader(http.StatusServiceUnavailable)
			// Return without additional response.
			return
		}
		accessRequests.WithLabelValues("max", "accepted").Inc()
		next.ServeHTTP(w, r)
	})
}

// SizeController rejects request bodies larger than MaxBytes. Traces are
// large, so a zero MaxBytes accepts any size.
type SizeController struct {
	MaxBytes int64
}

// Limit enforces MaxBytes on the request body of the next handler. A
// request declaring a larger body is rejected before next runs.
func (c *SizeController) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.MaxBytes > 0 {
			if r.ContentLength > c.MaxBytes {
				accessRequests.WithLabelValues("size", "rejected").Inc()
				// 413 - https://tools.ietf.org/html/rfc7231#section-6.5.11
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, c.MaxBytes)
		}
		accessRequests.WithLabelValues("size", "accepted").Inc()
		next.ServeHTTP(w, r)
	})
}
