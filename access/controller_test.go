package access

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMaxController_Limit(t *testing.T) {
	tests := []struct {
		name    string
		Max     int64
		Current int64
		want    bool
		status  int
	}{
		{
			name:   "succes",
			Max:    0,
			want:   true,
			status: http.StatusOK,
		},
		{
			name:    "rejected",
			Max:     1,
			Current: 1,
			want:    false,
			status:  http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &MaxController{
				Max:     tt.Max,
				Current: tt.Current,
			}
			visited := false
			next := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
				visited = true
			})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rw := httptest.NewRecorder()

			c.Limit(next).ServeHTTP(rw, req)

			if visited != tt.want {
				t.Errorf("MaxController.Limit() got %t, want %t", visited, tt.want)
			}
			if rw.Code != tt.status {
				t.Errorf("MaxController.Limit() status %d, want %d", rw.Code, tt.status)
			}
			if c.Current != tt.Current {
				t.Errorf("MaxController.Limit() left Current = %d, want %d", c.Current, tt.Current)
			}
		})
	}
}

func TestSizeController_Limit(t *testing.T) {
	tests := []struct {
		name     string
		maxBytes int64
		body     string
		chunked  bool
		visited  bool
		readErr  bool
		status   int
	}{
		{name: "unlimited", maxBytes: 0, body: "0123456789", visited: true, status: http.StatusOK},
		{name: "small", maxBytes: 16, body: "0123456789", visited: true, status: http.StatusOK},
		{name: "declared-too-large", maxBytes: 4, body: "0123456789", status: http.StatusRequestEntityTooLarge},
		{name: "streamed-too-large", maxBytes: 4, body: "0123456789", chunked: true, visited: true, readErr: true, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &SizeController{MaxBytes: tt.maxBytes}
			visited := false
			var readErr error
			next := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
				visited = true
				_, readErr = io.ReadAll(req.Body)
			})
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.chunked {
				req.ContentLength = -1
			}
			rw := httptest.NewRecorder()

			c.Limit(next).ServeHTTP(rw, req)

			if visited != tt.visited {
				t.Errorf("SizeController.Limit() visited %t, want %t", visited, tt.visited)
			}
			if (readErr != nil) != tt.readErr {
				t.Errorf("SizeController.Limit() read error %v, want %t", readErr, tt.readErr)
			}
			if rw.Code != tt.status {
				t.Errorf("SizeController.Limit() status %d, want %d", rw.Code, tt.status)
			}
		})
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Controller {
		return controllerFunc(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
				order = append(order, name)
				next.ServeHTTP(rw, req)
			})
		})
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mark("first"), mark("second"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "first,second,handler" {
		t.Errorf("Chain() order = %v", order)
	}
}

type controllerFunc func(next http.Handler) http.Handler

func (f controllerFunc) Limit(next http.Handler) http.Handler {
	return f(next)
}
