package httpmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/keithlinneman/slidegate/internal/log"
	"github.com/keithlinneman/slidegate/internal/xerrors"
)

// errorSpy records Error calls; everything else goes to Nop.
type errorSpy struct {
	log.Logger
	mu   sync.Mutex
	msgs []string
	errs []error
}

func (s *errorSpy) With(...any) log.Logger { return s }

func (s *errorSpy) Error(_ context.Context, err error, msg string, _ ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	s.errs = append(s.errs, err)
}

func serveRecover(spy *errorSpy, onPanic func(), h http.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	Recover(spy, onPanic)(h).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/analyze", nil))
	return w
}

func TestRecover_PassThrough(t *testing.T) {
	spy := &errorSpy{Logger: log.Nop()}
	w := serveRecover(spy, nil, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	if w.Code != http.StatusCreated || len(spy.msgs) != 0 {
		t.Fatalf("status = %d logged = %v", w.Code, spy.msgs)
	}
}

func TestRecover_Panics(t *testing.T) {
	boom := errors.New("shard map corrupted")
	tests := []struct {
		name  string
		value any
	}{
		{"string", "boom"},
		{"error", boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := &errorSpy{Logger: log.Nop()}
			panics := 0
			w := serveRecover(spy, func() { panics++ }, func(http.ResponseWriter, *http.Request) {
				panic(tt.value)
			})

			if w.Code != http.StatusInternalServerError || w.Body.String() != `{"error":"internal server error"}`+"\n" {
				t.Fatalf("response = %d %q", w.Code, w.Body)
			}
			if panics != 1 {
				t.Fatalf("onPanic calls = %d", panics)
			}
			if len(spy.msgs) != 1 || spy.msgs[0] != "httpserver panic recovered" {
				t.Fatalf("logged = %v", spy.msgs)
			}
			if !xerrors.HasStack(spy.errs[0]) {
				t.Error("recovered error should carry a stack")
			}
			if err, ok := tt.value.(error); ok && !errors.Is(spy.errs[0], err) {
				t.Errorf("logged error %v does not wrap panic value", spy.errs[0])
			}
		})
	}
}

func TestRecover_NilLoggerAndHook(t *testing.T) {
	w := httptest.NewRecorder()
	Recover(nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRecover_ReraisesAbortHandler(t *testing.T) {
	spy := &errorSpy{Logger: log.Nop()}
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", rec)
		}
		if len(spy.msgs) != 0 {
			t.Errorf("abort should not be logged: %v", spy.msgs)
		}
	}()
	serveRecover(spy, nil, func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	})
}
