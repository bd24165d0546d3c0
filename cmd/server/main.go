package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/slidegate/internal/api"
	"github.com/keithlinneman/slidegate/internal/cfg"
	"github.com/keithlinneman/slidegate/internal/health"
	"github.com/keithlinneman/slidegate/internal/httpmw"
	"github.com/keithlinneman/slidegate/internal/httpserver"
	"github.com/keithlinneman/slidegate/internal/log"
	"github.com/keithlinneman/slidegate/internal/metrics"
	"github.com/keithlinneman/slidegate/internal/opshttp"
	"github.com/keithlinneman/slidegate/internal/otelx"
	"github.com/keithlinneman/slidegate/internal/policy"
	"github.com/keithlinneman/slidegate/internal/prof"
	"github.com/keithlinneman/slidegate/internal/ratelimit"
	"github.com/keithlinneman/slidegate/internal/upstream"
	v "github.com/keithlinneman/slidegate/internal/version"
	"github.com/keithlinneman/slidegate/internal/xerrors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%s)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion, vi.Dirty())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.ShortCommit(),
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", v.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_proxy_hops", conf.TrustedHops,
		"rate_policy", conf.RatePolicy,
		"policy_ssm_param", conf.PolicySSMParam,
		"rate_shards", conf.RateShards,
		"upstream_url", conf.UpstreamURL,
		"upstream_s3_bucket", conf.UpstreamS3Bucket,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, v.Component, &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": v.Component,
			"version":   vi.Version,
			"commit":    vi.ShortCommit(),
		},
		MutexFraction: 5,
		BlockRate:     1_000_000,
	})
	if err != nil {
		// profiling is optional; keep serving without it
		L.Error(ctx, err, "pyroscope start failed")
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// collector runs on localhost, so the exporter connection is plaintext
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: v.Component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL, _ = otelx.Init(ctx, otelx.Options{})
	}

	var awsCfg *aws.Config
	if conf.PolicySSMParam != "" || conf.UpstreamS3Bucket != "" {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		awsCfg = &c
	}

	pol, err := loadPolicy(ctx, conf, awsCfg)
	if err != nil {
		L.Error(ctx, err, "failed to load rate policy")
		os.Exit(1)
	}

	limiter, err := ratelimit.New[string](pol.Limit, pol.Window,
		ratelimit.WithShards(conf.RateShards),
		ratelimit.WithOnSweepPanic(func(rec any) {
			m.IncSweepPanic()
			L.Error(ctx, xerrors.Newf("sweep panic: %v", rec), "ratelimit sweep recovered")
		}),
	)
	if err != nil {
		L.Error(ctx, err, "failed to create limiter", "policy", pol.String())
		os.Exit(1)
	}
	m.TrackIdentities(limiter.Len)
	go limiter.RunSweeper(ctx, conf.SweepInterval, m.AddSwept)
	L.Info(ctx, "rate limiter ready", "policy", pol.String(), "shards", conf.RateShards)

	// a flood from one identity must not become a flood of log lines
	deniedLog := rate.Sometimes{Interval: 10 * time.Second}
	limit := ratelimit.NewMiddleware(limiter,
		ratelimit.WithKeyFunc(ratelimit.APIKeys(strings.Split(conf.APIKeys, ",")...)),
		ratelimit.WithOnAllowed(func(string, ratelimit.Decision) { m.ObserveDecision(true) }),
		ratelimit.WithOnDenied(func(identity string, d ratelimit.Decision) {
			m.ObserveDecision(false)
			deniedLog.Do(func() {
				L.Warn(ctx, "rate limit triggered", "identity", identity, "retry_after_seconds", d.RetryAfterSeconds())
			})
		}),
	)

	fetcher, err := newFetcher(conf, awsCfg, L, m)
	if err != nil {
		L.Error(ctx, err, "failed to configure upstream")
		os.Exit(1)
	}

	apiOpts := api.Options{
		Logger:       L,
		Limit:        limit,
		MaxBodyBytes: conf.MaxBodyBytes,
	}
	// a nil *upstream.Fetcher must not become a non-nil interface
	if fetcher != nil {
		apiOpts.Fetcher = fetcher
	}
	routes := api.New(apiOpts)

	var gate health.Gate
	readiness := gate.Probe()

	apiStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.OK(),
		Readiness:    readiness,
		APIRoutes:    routes.RegisterRoutes,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MaxBodyBytes: conf.MaxBodyBytes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}

	// admin port is restricted to internal monitoring by the security group
	opsStop, err := opshttp.Start(ctx, opshttp.Options{
		Logger:      L,
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.OK(),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		_ = apiStop(context.Background())
		os.Exit(1)
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	gate.Close("draining")
	if conf.DrainDelay > 0 {
		L.Info(context.Background(), "draining before closing listeners", "drain_delay", conf.DrainDelay.String())
		force := make(chan os.Signal, 1)
		signal.Notify(force, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(conf.DrainDelay):
		case <-force:
			L.Warn(context.Background(), "second signal received, skipping drain")
		}
		signal.Stop(force)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiStop(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "api http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "otel shutdown")
	}
	L.Info(shutdownCtx, "shutdown complete", "tracked_identities", limiter.Len())
}

// loadPolicy prefers the SSM parameter so the policy can change without a
// redeploy; a restart picks it up.
func loadPolicy(ctx context.Context, conf cfg.App, awsCfg *aws.Config) (policy.Policy, error) {
	if conf.PolicySSMParam == "" {
		return policy.Parse(conf.RatePolicy)
	}
	p, err := policy.LoadSSM(ctx, ssm.NewFromConfig(*awsCfg), conf.PolicySSMParam)
	if err != nil {
		return policy.Policy{}, xerrors.Wrapf(err, "ssm param %s", conf.PolicySSMParam)
	}
	log.FromContext(ctx).Info(ctx, "loaded rate policy from ssm", "param", conf.PolicySSMParam, "policy", p.String())
	return p, nil
}

// newFetcher returns nil when no upstream is configured; the document stats
// route then answers 503.
func newFetcher(conf cfg.App, awsCfg *aws.Config, L log.Logger, m *metrics.ServerMetrics) (*upstream.Fetcher, error) {
	var src upstream.Source
	switch {
	case conf.UpstreamS3Bucket != "":
		s, err := upstream.NewS3Source(upstream.S3Options{
			Client: s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
				o.HTTPClient = awshttp.NewBuildableClient().WithTimeout(conf.FetchTimeout)
			}),
			Bucket: conf.UpstreamS3Bucket,
			Prefix: conf.UpstreamS3Prefix,
		})
		if err != nil {
			return nil, err
		}
		src = s
	case conf.UpstreamURL != "":
		s, err := upstream.NewHTTPSource(upstream.HTTPOptions{
			BaseURL: conf.UpstreamURL,
			Timeout: conf.FetchTimeout,
		})
		if err != nil {
			return nil, err
		}
		src = s
	default:
		return nil, nil
	}

	return upstream.NewFetcher(upstream.FetcherOptions{
		Logger:            L,
		Source:            src,
		Attempts:          conf.FetchAttempts,
		Delay:             conf.FetchDelay,
		MaxDelay:          conf.FetchMaxDelay,
		RequestsPerSecond: conf.FetchRPS,
		Burst:             max(1, int(conf.FetchRPS)),
		OnAttempt:         m.IncFetchAttempt,
		OnFetch:           m.ObserveFetch,
	})
}

func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify write: %w", err)
	}
	return nil
}
