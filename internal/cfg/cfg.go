// Package cfg binds service configuration to flags, fills unset flags from
// SLIDEGATE_* environment variables and validates the result.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/slidegate/internal/log"
	"github.com/keithlinneman/slidegate/internal/policy"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "SLIDEGATE_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int
	// DrainDelay keeps serving after readiness fails on shutdown so load
	// balancers notice before the listener closes.
	DrainDelay time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	// RatePolicy is "<limit>/<window>", overridden by PolicySSMParam when set.
	RatePolicy     string
	PolicySSMParam string
	RateShards     int
	SweepInterval  time.Duration
	MaxBodyBytes   int64
	// APIKeys is a comma-separated list of keys honored in X-Api-Key. Empty
	// means every caller is limited by client IP.
	APIKeys string

	UpstreamURL      string
	UpstreamS3Bucket string
	UpstreamS3Prefix string
	FetchAttempts    int
	FetchDelay       time.Duration
	FetchMaxDelay    time.Duration
	FetchTimeout     time.Duration
	FetchRPS         float64
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "include func/file/line for each error wrap in logs")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port for metrics, health and pprof (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server; 0 ignores X-Forwarded-For")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 15*time.Second, "time between failing readiness and closing listeners on shutdown")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "enable pprof on the admin port")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) for -pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export OTLP traces to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.RatePolicy, "rate-policy", "5/60s", "admissions per identity per sliding window, <limit>/<window>")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding the rate policy; overrides -rate-policy")
	fs.IntVar(&c.RateShards, "rate-shards", 32, "limiter lock shards (1..4096)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 0, "idle identity sweep interval; 0 uses the policy window")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "max analyze request body")
	fs.StringVar(&c.APIKeys, "api-keys", "", "comma-separated api keys that get their own quota; prefer the env var")

	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "HTTP origin for document stats (http(s)://host[/path])")
	fs.StringVar(&c.UpstreamS3Bucket, "upstream-s3-bucket", "", "S3 bucket for document stats; takes precedence over -upstream-url")
	fs.StringVar(&c.UpstreamS3Prefix, "upstream-s3-prefix", "", "S3 key prefix for documents")
	fs.IntVar(&c.FetchAttempts, "fetch-attempts", 3, "upstream attempts per document (1..10)")
	fs.DurationVar(&c.FetchDelay, "fetch-delay", time.Second, "fixed delay between upstream attempts")
	fs.DurationVar(&c.FetchMaxDelay, "fetch-max-delay", 10*time.Second, "longest upstream Retry-After to wait for; longer hints fail the fetch")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", 5*time.Second, "timeout for one upstream attempt")
	fs.Float64Var(&c.FetchRPS, "fetch-rps", 20, "outbound upstream requests per second; 0 disables pacing")
}

// FillFromEnv sets any flag not passed on the command line from the
// environment. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// EnvKey maps a flag name to its environment variable.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Validate returns every invalid field joined, or nil.
func Validate(c App) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		add("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		add("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		add("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 {
		add("TRUSTED_PROXY_HOPS must be >= 0 (got %d)", c.TrustedHops)
	}
	if c.DrainDelay < 0 {
		add("DRAIN_DELAY must be >= 0 (got %s)", c.DrainDelay)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL: %w", err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		add("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		add("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			add("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			add("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			add("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			add("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	// the SSM value is validated when it is loaded
	if c.PolicySSMParam == "" {
		if _, err := policy.Parse(c.RatePolicy); err != nil {
			errs = append(errs, fmt.Errorf("invalid RATE_POLICY: %w", err))
		}
	}
	if c.RateShards < 1 || c.RateShards > 4096 {
		add("RATE_SHARDS must be 1..4096 (got %d)", c.RateShards)
	}
	if c.SweepInterval < 0 {
		add("SWEEP_INTERVAL must be >= 0 (got %s)", c.SweepInterval)
	}
	if c.MaxBodyBytes < 1 {
		add("MAX_BODY_BYTES must be > 0 (got %d)", c.MaxBodyBytes)
	}

	if c.UpstreamURL != "" {
		if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("UPSTREAM_URL must be http(s)://host[/path] (got %q)", c.UpstreamURL)
		}
	}
	if c.UpstreamS3Prefix != "" && c.UpstreamS3Bucket == "" {
		add("UPSTREAM_S3_PREFIX set without UPSTREAM_S3_BUCKET")
	}
	if c.FetchAttempts < 1 || c.FetchAttempts > 10 {
		add("FETCH_ATTEMPTS must be 1..10 (got %d)", c.FetchAttempts)
	}
	if c.FetchDelay <= 0 {
		add("FETCH_DELAY must be > 0 (got %s)", c.FetchDelay)
	}
	if c.FetchMaxDelay < c.FetchDelay {
		add("FETCH_MAX_DELAY must be >= FETCH_DELAY (got %s < %s)", c.FetchMaxDelay, c.FetchDelay)
	}
	if c.FetchTimeout <= 0 {
		add("FETCH_TIMEOUT must be > 0 (got %s)", c.FetchTimeout)
	}
	if c.FetchRPS < 0 {
		add("FETCH_RPS must be >= 0 (got %g)", c.FetchRPS)
	}

	return errors.Join(errs...)
}
