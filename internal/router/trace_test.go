package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/callrelay/internal/observe"
	"github.com/MrWong99/callrelay/internal/router"
	"github.com/MrWong99/callrelay/internal/tenant"
)

// Swaps the global tracer provider and logger, so it must not run in
// parallel.
func TestRoute_SpanAndLogsShareCallID(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prevTP, prevLog := otel.GetTracerProvider(), slog.Default()
	var buf bytes.Buffer
	otel.SetTracerProvider(tp)
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		slog.SetDefault(prevLog)
		_ = tp.Shutdown(context.Background())
	})

	h := newHarness(t, monday(10, 0), []*tenant.Config{ivrTenant()})
	d := h.route(t, router.Request{CallID: "CA42", CalledNumber: "+1001"})
	if d.Kind != router.KindConnect {
		t.Fatalf("decision = %+v, want connect", d)
	}

	var span *tracetest.SpanStub
	for i, s := range exp.GetSpans() {
		if s.Name == "router.route" {
			span = &exp.GetSpans()[i]
		}
	}
	if span == nil {
		t.Fatal("no router.route span recorded")
	}
	got := map[string]string{}
	for _, kv := range span.Attributes {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	if got[string(observe.AttrCallID)] != "CA42" ||
		got[string(observe.AttrTenantID)] != "acme" ||
		got[string(observe.AttrAgentID)] != "a3" ||
		got[string(observe.AttrOutcome)] != "connect" {
		t.Errorf("span attributes = %v", got)
	}

	traceID := span.SpanContext.TraceID().String()
	found := false
	for line := range bytes.SplitSeq(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		if rec["msg"] != "call routed" {
			continue
		}
		found = true
		if rec["call_id"] != "CA42" || rec["trace_id"] != traceID {
			t.Errorf("call routed line = %v, want call_id CA42 and trace_id %s", rec, traceID)
		}
	}
	if !found {
		t.Errorf("no call routed line in %s", buf.String())
	}
}
