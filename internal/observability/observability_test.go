package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe(StageLLM, 500)
	w.Observe(StageLLM, 700)
	w.Observe(StageLLM, 900)
	w.ObserveIndicator(IndicatorBarge)
	w.ObserveIndicator(IndicatorBarge)

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageLLM || s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("stage stats = %+v", s)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1200 {
		t.Fatalf("TargetP95MS = %.2f, want 1200", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestLatencyWindowWraps(t *testing.T) {
	w := NewLatencyWindow(2)
	for _, v := range []float64{10, 20, 30} {
		w.Observe(StageSTT, v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 || s.AvgMS != 25 {
		t.Fatalf("stats after wrap = %+v", s)
	}
}

func TestLatencyWindowCountsSlowSamples(t *testing.T) {
	w := NewLatencyWindow(4)
	for _, v := range []float64{250, 300, 301, 900} {
		w.Observe(StageSTT, v)
	}
	w.Observe("custom", 5000)

	snap := w.Snapshot()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	custom, stt := snap.Stages[0], snap.Stages[1]
	if stt.OverTarget != 2 {
		t.Fatalf("stt OverTarget = %d, want 2", stt.OverTarget)
	}
	if custom.TargetP95MS != 0 || custom.OverTarget != 0 {
		t.Fatalf("custom stage without target = %+v", custom)
	}
	if stt.P99MS != 900 {
		t.Fatalf("P99MS = %.2f, want 900", stt.P99MS)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageLLM, time.Second)
	m.ObserveToolCall("getAllOrders", true)
	m.Interrupted()
	m.TurnForced()
	m.SessionOpened("twilio")
	if len(m.Latency().Stages) != 0 {
		t.Fatalf("nil metrics should report nothing")
	}
}

func TestMetricsHandlerExposesInstruments(t *testing.T) {
	m := NewMetrics("voicegate_test")
	m.ObserveLLMLatency(250 * time.Millisecond)
	m.ObserveToolCall("cancelOrder", false)
	m.Interrupted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`voicegate_test_stage_latency_ms_count{stage="llm"} 1`,
		`voicegate_test_tool_calls_total{outcome="error",tool="cancelOrder"} 1`,
		`voicegate_test_interruptions_total 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if got := m.Latency().Stages[0].LastMS; got != 250 {
		t.Fatalf("LastMS = %.2f, want 250", got)
	}
}
