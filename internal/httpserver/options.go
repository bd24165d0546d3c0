package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/slidegate/internal/health"
	"github.com/keithlinneman/slidegate/internal/httpmw"
	"github.com/keithlinneman/slidegate/internal/log"
)

// DefaultMaxBodyBytes caps request bodies when Options.MaxBodyBytes is 0.
const DefaultMaxBodyBytes = 64 << 10

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	// APIRoutes mounts the application routes; rate limiting is applied by
	// the routes themselves so probes and quota lookups stay exempt.
	APIRoutes    func(chi.Router)
	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64
}
