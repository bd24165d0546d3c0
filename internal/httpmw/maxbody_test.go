package httpmw

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMaxBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"under", "hello", false},
		{"at limit", strings.Repeat("a", 16), false},
		{"over", strings.Repeat("a", 17), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var readErr error
			h := MaxBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, readErr = io.ReadAll(r.Body)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(tt.body)))

			var mbe *http.MaxBytesError
			if got := errors.As(readErr, &mbe); got != tt.wantErr {
				t.Fatalf("MaxBytesError = %v, want %v (err=%v)", got, tt.wantErr, readErr)
			}
		})
	}
}
