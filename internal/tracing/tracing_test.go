package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(Config{Enabled: false})
	if err != nil {
		t.Fatalf("Setup(disabled) returned error: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup(disabled) returned nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestSetup_Enabled(t *testing.T) {
	// No collector is listening; batching is async so Setup still succeeds.
	shutdown, err := Setup(Config{
		Enabled:     true,
		Endpoint:    "localhost:4318",
		SampleRatio: 0.5,
	})
	if err != nil {
		t.Fatalf("Setup(enabled) returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		0:    "ParentBased{root:AlwaysOnSampler",
		1:    "ParentBased{root:AlwaysOnSampler",
		0.25: "ParentBased{root:TraceIDRatioBased{0.25}",
	}
	for ratio, prefix := range cases {
		got := sampler(ratio).Description()
		if len(got) < len(prefix) || got[:len(prefix)] != prefix {
			t.Errorf("sampler(%v) = %q, want prefix %q", ratio, got, prefix)
		}
	}
	var _ sdktrace.Sampler = sampler(0)
}

func TestMiddleware_WrapsHandler(t *testing.T) {
	for _, path := range []string{"/v1/messages", "/healthz"} {
		var called bool
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		})

		rec := httptest.NewRecorder()
		Middleware()(inner).ServeHTTP(rec, httptest.NewRequest("POST", path, nil))

		if !called {
			t.Fatalf("%s: inner handler was not called through middleware", path)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rec.Code)
		}
	}
}

func TestSpanNameAndFilter(t *testing.T) {
	r := httptest.NewRequest("POST", "/responses", nil)
	if got := spanName("ignored", r); got != "POST /responses" {
		t.Errorf("spanName = %q", got)
	}
	if !traced(r) {
		t.Error("proxy path should be traced")
	}
	if traced(httptest.NewRequest("GET", "/metrics", nil)) {
		t.Error("/metrics should not be traced")
	}
}

func TestHTTPTransport(t *testing.T) {
	if HTTPTransport(nil) == nil {
		t.Fatal("HTTPTransport(nil) returned nil")
	}
	if HTTPTransport(&http.Transport{}) == nil {
		t.Fatal("HTTPTransport(base) returned nil")
	}
}
