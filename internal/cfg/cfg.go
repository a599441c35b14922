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

	"github.com/keithlinneman/transit-web/internal/log"
)

type App struct {
	ConfigFile string

	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	HTTPPort        int
	AdminPort       int
	DrainPeriod     time.Duration
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// store
	DatabaseURL         string
	DatabaseName        string
	DatabaseURLSSMParam string

	// site
	Hostname         string
	UseHTTPS         bool
	DevMode          bool
	TLSCertFile      string
	TLSKeyFile       string
	StaticDir        string
	ViewsDir         string
	TrustedProxyHops int

	// latency log
	SlowLogPath    string
	SlowLogExclude string
	SlowLogQueue   int

	// admin-triggered dataset refresh
	RefreshSSMParam string
	RefreshS3Bucket string
	RefreshS3Prefix string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML/JSON settings file keyed by flag name")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen TCP port (1..65535)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 60*time.Second, "how long readiness fails before listeners stop on shutdown")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on ops port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "postgres connection string")
	fs.StringVar(&c.DatabaseName, "database-name", "transit", "database name, overrides the one in database-url")
	fs.StringVar(&c.DatabaseURLSSMParam, "database-url-ssm-param", "", "read database-url from this SSM SecureString parameter instead")

	fs.StringVar(&c.Hostname, "hostname", "localhost", "public DNS name of the site, shown in views")
	fs.BoolVar(&c.UseHTTPS, "use-https", false, "site is reached over https (links and tls listener)")
	fs.BoolVar(&c.DevMode, "dev-mode", false, "development mode: skip script minification")
	fs.StringVar(&c.TLSCertFile, "tls-cert", "", "serve TLS with this certificate (requires -use-https)")
	fs.StringVar(&c.TLSKeyFile, "tls-key", "", "TLS private key for -tls-cert")
	fs.StringVar(&c.StaticDir, "static-dir", "application/static", "directory served under /static")
	fs.StringVar(&c.ViewsDir, "views-dir", "", "template directory (empty uses the built-in views)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "number of trusted reverse proxies in X-Forwarded-For")

	fs.StringVar(&c.SlowLogPath, "slow-log-path", "/tmp/log.txt", "append-only file for slow request lines")
	fs.StringVar(&c.SlowLogExclude, "slow-log-exclude", "", "comma separated request URIs never written to the slow log")
	fs.IntVar(&c.SlowLogQueue, "slow-log-queue", 1024, "slow log queue size, entries beyond it are dropped")

	fs.StringVar(&c.RefreshSSMParam, "refresh-ssm-param", "/app/transit-web/dataset/release", "ssm parameter root, <root>/<job> holds the current release digest")
	fs.StringVar(&c.RefreshS3Bucket, "refresh-s3-bucket", "", "s3 bucket holding dataset releases")
	fs.StringVar(&c.RefreshS3Prefix, "refresh-s3-prefix", "datasets", "s3 key prefix for dataset releases")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Returns the names of the flags it set.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) map[string]bool {
	explicit := explicitFlags(fs)
	set := make(map[string]bool)

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
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
			return
		}
		set[f.Name] = true
	})
	return set
}

func explicitFlags(fs *flag.FlagSet) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	return explicit
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must be >= 0 (got %s)", c.DrainPeriod))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	if c.EnableTracing {
		if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port when ENABLE_TRACING=true (got %q)", c.OTLPEndpoint))
		}
	}

	// store: one source of the connection string is required
	if c.DatabaseURL == "" && c.DatabaseURLSSMParam == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL or DATABASE_URL_SSM_PARAM is required"))
	}
	if c.DatabaseURL != "" && c.DatabaseURLSSMParam != "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL and DATABASE_URL_SSM_PARAM are mutually exclusive"))
	}

	if strings.TrimSpace(c.Hostname) == "" {
		errs = append(errs, fmt.Errorf("HOSTNAME is required"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, fmt.Errorf("TLS_CERT and TLS_KEY must be set together"))
	}
	if c.TLSCertFile != "" && !c.UseHTTPS {
		errs = append(errs, fmt.Errorf("TLS_CERT requires USE_HTTPS=true"))
	}
	if c.StaticDir == "" {
		errs = append(errs, fmt.Errorf("STATIC_DIR is required"))
	}
	if c.TrustedProxyHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be >= 0 (got %d)", c.TrustedProxyHops))
	}

	if c.SlowLogPath == "" {
		errs = append(errs, fmt.Errorf("SLOW_LOG_PATH is required"))
	}
	if c.SlowLogQueue < 1 {
		errs = append(errs, fmt.Errorf("SLOW_LOG_QUEUE must be >= 1 (got %d)", c.SlowLogQueue))
	}

	// refresh jobs are optional, but a bucket without a pointer is a mistake
	if c.RefreshS3Bucket != "" && c.RefreshSSMParam == "" {
		errs = append(errs, fmt.Errorf("REFRESH_SSM_PARAM is required when REFRESH_S3_BUCKET is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlowLogExcludes splits SlowLogExclude into a set
func (c App) SlowLogExcludes() map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range strings.Split(c.SlowLogExclude, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}

// BaseURL is the public origin of the site as shown to visitors
func (c App) BaseURL() string {
	scheme := "http"
	if c.UseHTTPS {
		scheme = "https"
	}
	return scheme + "://" + c.Hostname
}
