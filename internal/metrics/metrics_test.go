package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"genbot/internal/eventbus"
)

func TestObserveGeneration(t *testing.T) {
	m := New()
	m.Observe(eventbus.Event{Data: eventbus.GenerationStarted{Kind: "video"}})
	m.Observe(eventbus.Event{Data: eventbus.GenerationFinished{Kind: "video", Status: "failed", Refunded: true, Elapsed: time.Second}})
	m.Observe(eventbus.Event{Data: eventbus.GenerationFinished{Kind: "video", Status: "insufficient-funds"}})

	if got := testutil.ToFloat64(m.generationFinished.WithLabelValues("video", "failed")); got != 1 {
		t.Fatalf("failed = %v", got)
	}
	if got := testutil.ToFloat64(m.refunds.WithLabelValues("video")); got != 1 {
		t.Fatalf("refunds = %v", got)
	}
	if got := testutil.ToFloat64(m.generationActive.WithLabelValues("video")); got != 0 {
		t.Fatalf("active = %v", got)
	}
}

func TestObserveBroadcastAndHandler(t *testing.T) {
	m := New()
	m.Observe(eventbus.Event{Data: eventbus.BroadcastStarted{JobID: "j"}})
	m.Observe(eventbus.Event{Data: eventbus.BroadcastDelivery{Outcome: "blocked"}})
	if got := testutil.ToFloat64(m.broadcastActive); got != 1 {
		t.Fatalf("active = %v", got)
	}
	m.Observe(eventbus.Event{Data: eventbus.BroadcastFinished{Status: "completed"}})
	if got := testutil.ToFloat64(m.broadcastActive); got != 0 {
		t.Fatalf("active after finish = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `genbot_broadcast_deliveries_total{outcome="blocked"} 1`) {
		t.Fatalf("metrics output missing delivery counter:\n%s", rec.Body.String())
	}
}
