package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/analyses/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	r.Post("/v1/analyses", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/analyses/{id}", "200"))
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/analyses/job-1", nil),
		httptest.NewRequest(http.MethodGet, "/v1/analyses/job-2", nil),
		httptest.NewRequest(http.MethodPost, "/v1/analyses", nil),
		httptest.NewRequest(http.MethodGet, "/nowhere", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/analyses/{id}", "200")) - before; got != 2 {
		t.Errorf("implicit 200 writes: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/analyses", "409")); got < 1 {
		t.Errorf("conflict not counted: %v", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got < 1 {
		t.Errorf("unmatched route not counted: %v", got)
	}
	if testutil.CollectAndCount(httpRequestDurationSeconds) == 0 {
		t.Error("latency histogram has no series")
	}
}
