package refresh

import (
	"context"
)

// Job names, as used in metrics labels and SSM parameter paths.
const (
	CoreJob       = "core"
	RoutePathsJob = "route-paths"
)

// Collections owned by each job.
var (
	CoreCollections      = []string{"bus_stops", "mrt_stations", "bus_services"}
	RoutePathCollections = []string{"route_paths"}
)

// Job is a named, on-demand refresh.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveRefresh(job, result string, seconds float64)
	SetRefreshDocuments(collection string, n int)
}
