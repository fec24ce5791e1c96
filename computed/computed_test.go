package computed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"
	"go.uber.org/goleak"
)

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name  string
		a, b  [][]byte
		equal bool
	}{
		{
			name:  "same-content",
			a:     [][]byte{[]byte("trace"), []byte("log")},
			b:     [][]byte{[]byte("trace"), []byte("log")},
			equal: true,
		},
		{
			name: "different-content",
			a:    [][]byte{[]byte("trace"), []byte("log")},
			b:    [][]byte{[]byte("trace"), []byte("lag")},
		},
		{
			name: "moved-boundary",
			a:    [][]byte{[]byte("tra"), []byte("celog")},
			b:    [][]byte{[]byte("trace"), []byte("log")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fingerprint(tt.a...) == Fingerprint(tt.b...); got != tt.equal {
				t.Errorf("Fingerprint() equal = %v, want %v", got, tt.equal)
			}
		})
	}
}

func TestKey_Derive(t *testing.T) {
	k := Key{Artifact: "records", Fingerprint: Fingerprint([]byte("log"))}
	a := k.Derive("graph")
	b := k.Derive("graph")
	if a != b {
		t.Errorf("Derive() = %v and %v, want equal keys", a, b)
	}
	if c := k.Derive("graph", []byte("simulate")); c == a {
		t.Errorf("Derive() with extra content = %v, want a different key", c)
	}
	if a.Artifact != "graph" {
		t.Errorf("Derive() artifact = %q, want graph", a.Artifact)
	}
}

func TestGet(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := NewCache()
	k := Key{Artifact: "graph", Fingerprint: 1}

	var calls int32
	release := make(chan struct{})
	fn := func() (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 42, nil
	}
	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Get(context.Background(), c, k, fn)
			testingx.Must(t, err, "cannot get artifact")
			results[i] = v
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("Get() computed %d times, want 1", calls)
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("Get() #%d = %d, want 42", i, v)
		}
	}
	v, err := Get(context.Background(), c, k, func() (int, error) {
		return 0, errors.New("should not be called")
	})
	if err != nil || v != 42 {
		t.Errorf("Get() memoized = %d, %v, want 42", v, err)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestGet_Error(t *testing.T) {
	c := NewCache()
	k := Key{Artifact: "trace", Fingerprint: 2}
	want := errors.New("malformed")
	calls := 0
	fn := func() (*string, error) {
		calls++
		return nil, want
	}
	for i := 0; i < 2; i++ {
		v, err := Get(context.Background(), c, k, fn)
		if !errors.Is(err, want) || v != nil {
			t.Errorf("Get() = %v, %v, want nil, %v", v, err, want)
		}
	}
	if calls != 1 {
		t.Errorf("Get() computed %d times, want 1", calls)
	}
}

func TestGet_Canceled(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := NewCache()
	k := Key{Artifact: "simulation", Fingerprint: 3}
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		Get(context.Background(), c, k, func() (int, error) {
			<-release
			return 1, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Get(ctx, c, k, func() (int, error) { return 2, nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Get() error = %v, want %v", err, context.Canceled)
	}
	close(release)
	<-done
	v, err := Get(context.Background(), c, k, func() (int, error) { return 2, nil })
	if err != nil || v != 1 {
		t.Errorf("Get() after cancel = %d, %v, want 1", v, err)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrNotFound)
	}
	value := []byte(`{"timing":780}`)
	testingx.Must(t, s.Put(ctx, "fcp", value), "cannot put")
	value[0] = 'x'
	got, err := s.Get(ctx, "fcp")
	testingx.Must(t, err, "cannot get")
	if string(got) != `{"timing":780}` {
		t.Errorf("Get() = %s, want the stored copy", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(ctx, "fcp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after ttl error = %v, want %v", err, ErrNotFound)
	}
	testingx.Must(t, s.Put(ctx, "lcp", value), "cannot put")
	if _, ok := s.items["fcp"]; ok {
		t.Error("Put() kept an expired entry")
	}
}
