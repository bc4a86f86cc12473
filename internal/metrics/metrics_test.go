package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestMiddlewareObservesLatency(t *testing.T) {
	GatewayLatencySeconds.Reset()

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.(http.Flusher).Flush()
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))

	if !rr.Flushed {
		t.Fatalf("expected flush to reach the underlying writer")
	}
	var m dto.Metric
	obs := GatewayLatencySeconds.WithLabelValues("/v1/messages", http.MethodPost, "202")
	if err := obs.(interface{ Write(*dto.Metric) error }).Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("expected one observation for status 202, got %d", got)
	}
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	rec.WriteHeader(http.StatusAccepted)
	rec.WriteHeader(http.StatusInternalServerError)

	if rec.statusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.statusCode)
	}
	if _, ok := rec.Unwrap().(*httptest.ResponseRecorder); !ok {
		t.Fatalf("Unwrap should return the wrapped writer")
	}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatalf("expected hijack error for a recorder")
	}
}

func TestStreamEventCounter(t *testing.T) {
	StreamEventsTotal.Reset()
	StreamEventsTotal.WithLabelValues("delta").Add(3)
	var m dto.Metric
	if err := StreamEventsTotal.WithLabelValues("delta").Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected 3, got %v", got)
	}
}
