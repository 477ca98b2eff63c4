// Package metrics provides Prometheus metrics for lightfx.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LightsDiscovered tracks the number of lights found per brand in the last discovery
	LightsDiscovered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lightfx_lights_discovered",
		Help: "Number of lights found by the last discovery run, per brand",
	}, []string{"brand"})

	// DiscoveryErrors counts failed discoverer runs
	DiscoveryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightfx_discovery_errors_total",
		Help: "Total number of failed discovery runs, per brand",
	}, []string{"brand"})

	// DiscoveryDuration tracks how long each discoverer takes
	DiscoveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lightfx_discovery_duration_seconds",
		Help:    "Duration of discovery in seconds, per brand",
		Buckets: prometheus.DefBuckets,
	}, []string{"brand"})

	// DeviceOps counts device mutations by outcome
	DeviceOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightfx_device_ops_total",
		Help: "Total number of device operations applied through batch control",
	}, []string{"result"})

	// BatchDuration tracks the wall time of a batch fan-out
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lightfx_batch_duration_seconds",
		Help:    "Duration of a batch operation across all devices",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// EffectStarts counts effect processes started by the supervisor
	EffectStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightfx_effect_starts_total",
		Help: "Total number of effect processes spawned",
	})
)

// Serve exposes the default registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
