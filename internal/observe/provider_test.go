package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitProvider_ScrapesOwnRegistry(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	ctx := context.Background()

	// A second call must not collide with the first registry.
	first, err := InitProvider(ctx, ProviderConfig{})
	if err != nil {
		t.Fatalf("first InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = first.Shutdown(ctx) })

	tel, err := InitProvider(ctx, ProviderConfig{ServiceName: "livecoach-test", TraceSampleRatio: 0.5})
	if err != nil {
		t.Fatalf("second InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })

	tel.Metrics.RecordRun(ctx, "ok", 1.5)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	for _, want := range []string{"pipeline", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestInitProvider_SetsGlobalTracer(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	ctx := context.Background()
	tel, err := InitProvider(ctx, ProviderConfig{})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	spanCtx, span := StartSpan(ctx, "probe")
	if CorrelationID(spanCtx) == "" {
		t.Error("spans from the installed provider should carry a trace ID")
	}
	span.End()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
