package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/transit-web/internal/cfg"
	"github.com/keithlinneman/transit-web/internal/health"
	"github.com/keithlinneman/transit-web/internal/httpmw"
	"github.com/keithlinneman/transit-web/internal/httpserver"
	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/metrics"
	"github.com/keithlinneman/transit-web/internal/opshttp"
	"github.com/keithlinneman/transit-web/internal/otelx"
	"github.com/keithlinneman/transit-web/internal/pages"
	"github.com/keithlinneman/transit-web/internal/prof"
	"github.com/keithlinneman/transit-web/internal/ratelimit"
	"github.com/keithlinneman/transit-web/internal/refresh"
	"github.com/keithlinneman/transit-web/internal/slowlog"
	"github.com/keithlinneman/transit-web/internal/store"
	v "github.com/keithlinneman/transit-web/internal/version"
	"github.com/keithlinneman/transit-web/internal/view"
	"github.com/keithlinneman/transit-web/internal/webassets"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// cli > env > settings file > default
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return 0
	}

	warnf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	fromEnv := cfg.FillFromEnv(flag.CommandLine, "TRANSIT_", warnf)
	if conf.ConfigFile != "" {
		if err := cfg.FillFromFile(flag.CommandLine, conf.ConfigFile, fromEnv); err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			return 1
		}
	}
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}
	mode := cfg.ModeFrom(os.Getenv(cfg.ModeEnv))

	// Setup logging
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"released", vi.Released(),
		"mode", string(mode),
		"hostname", conf.Hostname,
		"base_url", conf.BaseURL(),
		"dev_mode", conf.DevMode,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"tls", conf.TLSCertFile != "",
		"static_dir", conf.StaticDir,
		"views_dir", conf.ViewsDir,
		"slow_log_path", conf.SlowLogPath,
		"database_name", conf.DatabaseName,
		"database_url_ssm_param", conf.DatabaseURLSSMParam,
		"refresh_ssm_param", conf.RefreshSSMParam,
		"refresh_s3_bucket", conf.RefreshS3Bucket,
		"refresh_s3_prefix", conf.RefreshS3Prefix,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":      v.AppName,
			"hostname": conf.Hostname,
			"version":  vi.Version,
			"commit":   vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// Insecure: the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:     conf.EnableTracing,
		Endpoint:    conf.OTLPEndpoint,
		Insecure:    true,
		Sample:      conf.TraceSample,
		Version:     vi.Version,
		Environment: string(mode),
		Hostname:    conf.Hostname,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// AWS is only needed for the SSM connection string and dataset refresh
	loadAWS := sync.OnceValues(func() (aws.Config, error) {
		return config.LoadDefaultConfig(ctx)
	})

	views, err := view.New(view.Options{
		Dir:     conf.ViewsDir,
		Cache:   mode.Production(),
		BaseURL: conf.BaseURL(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to load views")
		return 1
	}

	staticFS, fromDir := webassets.DirOrDefault(conf.StaticDir)
	if !fromDir {
		L.Warn(ctx, "static dir not readable, serving built-in assets", "static_dir", conf.StaticDir)
	}

	var gate health.ShutdownGate
	var st *store.Store
	var slow *slowlog.Writer
	var siteHTTPStop, opsHTTPStop func(context.Context) error

	connect := func(ctx context.Context) error {
		dsn, err := databaseURL(ctx, conf, func() (store.ParameterGetter, error) {
			awsCfg, err := loadAWS()
			if err != nil {
				return nil, err
			}
			return ssm.NewFromConfig(awsCfg), nil
		})
		if err != nil {
			return err
		}
		st, err = store.Connect(ctx, store.Config{
			ConnectionString: dsn,
			Database:         conf.DatabaseName,
		})
		if err != nil {
			return err
		}
		return st.EnsureSchema(ctx)
	}

	start := func(ctx context.Context) error {
		m.RegisterStorePool(st)

		var awsCfg *aws.Config
		if conf.RefreshS3Bucket != "" {
			c, err := loadAWS()
			if err != nil {
				return err
			}
			awsCfg = &c
		}
		core, routePaths, err := refreshJobs(ctx, conf, refreshDeps{
			Store:   st,
			Metrics: m,
			Logger:  L,
			AWS:     awsCfg,
		})
		if err != nil {
			return err
		}
		if core == nil {
			L.Warn(ctx, "refresh-s3-bucket not set, dataset refresh triggers are disabled")
		}

		// admin triggers are expensive, keep the budget small. Few operators
		// call them, so a small client cap is enough.
		limiter := ratelimit.New(ctx, ratelimit.Config{
			PerSecond:  0.1,
			Burst:      3,
			IdleTTL:    10 * time.Minute,
			MaxClients: 1024,
		}, ratelimit.Hooks{
			Limited: func(ip string, first bool) {
				m.IncRateLimitDenied()
				// once per bucket lifetime, eviction resets it
				if first {
					L.Warn(ctx, "admin rate limit triggered", "ip", ip)
				}
			},
			Full: func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
			},
		})

		opts := &httpserver.Options{
			Logger:         L,
			Port:           conf.HTTPPort,
			TLSCertFile:    conf.TLSCertFile,
			TLSKeyFile:     conf.TLSKeyFile,
			Store:          st,
			Hostname:       conf.Hostname,
			DevMode:        conf.DevMode,
			Production:     mode.Production(),
			View:           views,
			StaticFS:       staticFS,
			SlowLogExclude: conf.SlowLogExcludes(),
			ClientIPOpts:   httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
			Admin: pages.AdminOptions{
				Core:       asJob(core),
				RoutePaths: asJob(routePaths),
				Limit:      limiter.Middleware,
			},
			MetricsMW: m.Middleware,
			OnPanic:   m.IncHttpPanic,
			Health:    health.Fixed(true, ""),
			Readiness: readiness(&gate, st),
		}
		if core != nil {
			opts.Dataset = core
		}

		// a missing slow log costs observability, not availability
		slow, err = slowlog.Open(conf.SlowLogPath, slowlog.Options{
			QueueSize: conf.SlowLogQueue,
			Logger:    L,
			Counters:  m,
		})
		if err != nil {
			L.Error(ctx, err, "slow log disabled")
		} else {
			opts.SlowLog = slow
		}

		siteHTTPStop, err = httpserver.Start(ctx, opts)
		if err != nil {
			return err
		}

		// ops listener rejects public peers itself
		opsHTTPStop, err = opshttp.Start(ctx, L, &opshttp.Options{
			Port:        conf.AdminPort,
			Metrics:     m.Handler(),
			EnablePprof: conf.EnablePprof,
			Health:      health.Fixed(true, ""),
			Readiness:   opts.Readiness,
		})
		return err
	}

	if err := boot(ctx, connect, start); err != nil {
		L.Error(ctx, err, "startup failed")
		for _, stop := range []func(context.Context) error{siteHTTPStop, opsHTTPStop} {
			if stop != nil {
				_ = stop(context.Background())
			}
		}
		if st != nil {
			st.Close()
		}
		return 1
	}

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", conf.DrainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "site http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if slow != nil {
		if err := slow.Close(shutdownCtx); err != nil {
			L.Error(bg, err, "slow log close")
		}
		written, dropped, failed := slow.Stats()
		L.Info(bg, "slow log closed", "written", written, "dropped", dropped, "failed", failed)
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	st.Close()

	L.Info(bg, "shutdown complete")
	return 0
}

// readiness passes while the gate is open and the store answers pings
func readiness(gate *health.ShutdownGate, st health.Pinger) health.Checker {
	return health.All(gate.Ready(), health.Ping("store", st, 0))
}

// asJob keeps a nil job nil inside the interface
func asJob(j *refresh.DatasetJob) refresh.Job {
	if j == nil {
		return nil
	}
	return j
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
