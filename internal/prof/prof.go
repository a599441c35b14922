package prof

import (
	"context"
	"net/url"
	"runtime"
	"strings"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/transit-web/internal/log"
	"github.com/keithlinneman/transit-web/internal/xerrors"
)

// DefaultAppName is reported when Options.AppName is empty.
const DefaultAppName = "transit-web"

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string

	BasicAuthUser     string
	BasicAuthPassword string
	TenantID          string
	Tags              map[string]string

	// Profiles names the profile types to collect, see ParseProfileTypes.
	// Empty collects everything.
	Profiles []string

	ProfileMutexFraction int
	BlockProfileRate     int
}

var profileTypes = map[string]pyroscope.ProfileType{
	"cpu":            pyroscope.ProfileCPU,
	"alloc_objects":  pyroscope.ProfileAllocObjects,
	"alloc_space":    pyroscope.ProfileAllocSpace,
	"inuse_objects":  pyroscope.ProfileInuseObjects,
	"inuse_space":    pyroscope.ProfileInuseSpace,
	"goroutines":     pyroscope.ProfileGoroutines,
	"mutex_count":    pyroscope.ProfileMutexCount,
	"mutex_duration": pyroscope.ProfileMutexDuration,
	"block_count":    pyroscope.ProfileBlockCount,
	"block_duration": pyroscope.ProfileBlockDuration,
}

// allProfiles is the collection order used when no names are given
var allProfiles = []string{
	"cpu",
	"alloc_objects", "alloc_space",
	"inuse_objects", "inuse_space",
	"goroutines",
	"mutex_count", "mutex_duration",
	"block_count", "block_duration",
}

// ParseProfileTypes maps profile names to pyroscope types. Names are
// case-insensitive; duplicates are dropped.
func ParseProfileTypes(names []string) ([]pyroscope.ProfileType, error) {
	if len(names) == 0 {
		names = allProfiles
	}
	out := make([]pyroscope.ProfileType, 0, len(names))
	seen := make(map[pyroscope.ProfileType]struct{}, len(names))
	for _, n := range names {
		pt, ok := profileTypes[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, xerrors.Newf("unknown profile type %q", n)
		}
		if _, dup := seen[pt]; dup {
			continue
		}
		seen[pt] = struct{}{}
		out = append(out, pt)
	}
	return out, nil
}

func validServerAddress(addr string) bool {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Start begins continuous profiling. The returned stop func is always
// non-nil and safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	noop := func() {}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}

	if !validServerAddress(opts.ServerAddress) {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}
	types, err := ParseProfileTypes(opts.Profiles)
	if err != nil {
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}
	appName := opts.AppName
	if appName == "" {
		appName = DefaultAppName
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	cfg := pyroscope.Config{
		ApplicationName:   appName,
		ServerAddress:     opts.ServerAddress,
		BasicAuthUser:     opts.BasicAuthUser,
		BasicAuthPassword: opts.BasicAuthPassword,
		TenantID:          opts.TenantID,
		Tags:              opts.Tags,
		ProfileTypes:      types,
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", appName,
		)
		return noop, err
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", appName,
		"profiles", len(types),
	)

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		profiler.Stop()
		L.Info(context.Background(), "pyroscope stopped", "app_name", appName)
	}, nil
}
