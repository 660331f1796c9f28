package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retool_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"handler", "method", "code"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retool_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"handler", "method"},
	)

	scenarioScores = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retool_scenario_score",
			Help:    "Per scenario evaluation score (0.0-1.0).",
			Buckets: []float64{0, 0.25, 0.5, 0.75, 0.8, 0.9, 1},
		},
		[]string{"specialty", "tier"},
	)

	scenarioFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retool_scenario_failures_total",
			Help: "Scenario evaluations that fell back to partial credit.",
		},
		[]string{"specialty", "tier"},
	)

	deployments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retool_deployments_total",
			Help: "Variant deployments by reason.",
		},
		[]string{"reason"},
	)

	rewardAggregate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retool_reward_aggregate",
			Help: "Most recent aggregate reward per specialty (0.0-1.0).",
		},
		[]string{"specialty"},
	)

	regenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retool_regenerations_total",
			Help: "Instruction regenerations by outcome.",
		},
		[]string{"outcome"},
	)

	approvals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retool_approvals_total",
			Help: "Approval gate transitions by action kind and event.",
		},
		[]string{"kind", "event"},
	)
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveScenario records one scored (variant, scenario) pair.
func ObserveScenario(specialty, tier string, score float64, failed bool) {
	scenarioScores.WithLabelValues(specialty, tier).Observe(score)
	if failed {
		scenarioFailures.WithLabelValues(specialty, tier).Inc()
	}
}

// ObserveDeployment counts a deployment; reason is "initial" or "regenerated".
func ObserveDeployment(reason string) {
	deployments.WithLabelValues(reason).Inc()
}

// ObserveReward publishes the latest aggregate reward for a specialty.
func ObserveReward(specialty string, aggregate float64) {
	rewardAggregate.WithLabelValues(specialty).Set(aggregate)
}

// ObserveRegeneration counts regeneration attempts by outcome.
func ObserveRegeneration(outcome string) {
	regenerations.WithLabelValues(outcome).Inc()
}

// ObserveApproval counts approval gate events (requested, approved, failed, rejected).
func ObserveApproval(kind, event string) {
	approvals.WithLabelValues(kind, event).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler and records request metrics under the given name.
func Instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
