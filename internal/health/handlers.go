package health

import (
	"net/http"
)

// Mux is satisfied by both *http.ServeMux and chi.Router.
type Mux interface {
	Handle(pattern string, h http.Handler)
}

// Register mounts /-/ping, /-/healthy and /-/ready. A nil probe passes.
func Register(m Mux, live, ready Probe) {
	m.Handle("/-/ping", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong\n"))
	}))
	m.Handle("/-/healthy", Handler(live, "ok"))
	m.Handle("/-/ready", Handler(ready, "ready"))
}

// Handler answers 200 with okBody while p passes and 503 with the failure
// reason otherwise.
func Handler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error() + "\n"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody + "\n"))
	}
}
