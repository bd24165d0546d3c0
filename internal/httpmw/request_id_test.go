package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serveRequestID(t *testing.T, incoming string) (ctxID, respID string) {
	t.Helper()
	h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if incoming != "" {
		r.Header.Set("X-Request-Id", incoming)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return ctxID, w.Header().Get("X-Request-Id")
}

func TestRequestID_Generates(t *testing.T) {
	ctxID, respID := serveRequestID(t, "")
	if len(ctxID) != 32 || ctxID != respID {
		t.Fatalf("ctx=%q resp=%q", ctxID, respID)
	}
}

func TestRequestID_Propagates(t *testing.T) {
	ctxID, respID := serveRequestID(t, "lb-abc-123")
	if ctxID != "lb-abc-123" || respID != "lb-abc-123" {
		t.Fatalf("ctx=%q resp=%q", ctxID, respID)
	}
}

func TestRequestID_ReplacesMalformed(t *testing.T) {
	for _, bad := range []string{"has space", "tab\there", strings.Repeat("x", maxRequestIDLen+1), "café"} {
		ctxID, _ := serveRequestID(t, bad)
		if ctxID == bad || len(ctxID) != 32 {
			t.Errorf("incoming %q produced %q", bad, ctxID)
		}
	}
}

func TestRequestID_CustomHeader(t *testing.T) {
	h := RequestID("X-Correlation-Id")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Fatal("custom header not set")
	}
}
