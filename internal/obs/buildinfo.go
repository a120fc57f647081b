package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// build_info is 1, labelled with version and commit.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "bankcore build information.",
		},
		[]string{"version", "commit"},
	)

	readyOnce sync.Once
	ready     = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service dependencies are reachable.",
	})
)

// InitBuildInfo registers build_info once and sets it for version/commit.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}

// SetReady publishes the readiness state.
func SetReady(ok bool) {
	readyOnce.Do(func() {
		prometheus.MustRegister(ready)
	})
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}
