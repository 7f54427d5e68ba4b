package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T) string {
	t.Helper()
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", w.Code)
	}
	return w.Body.String()
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/rounds/{roundID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	for _, id := range []string{"1", "2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/rounds/"+id, nil))
	}

	body := scrape(t)
	if !strings.Contains(body, `atmx_http_requests_total{method="GET",path="/rounds/{roundID}",status="418"}`) {
		t.Error("expected requests labelled by route pattern and captured status")
	}
	if strings.Contains(body, `path="/rounds/1"`) {
		t.Error("raw paths must not become labels")
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	w := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: 200}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("expected an error from a non-hijackable writer")
	}
}

func TestObserveOperation(t *testing.T) {
	ObserveOperation("settle_round", "validation", time.Now())
	if !strings.Contains(scrape(t), `op="settle_round",outcome="validation"`) {
		t.Error("expected the operation counter to be exported")
	}
}
