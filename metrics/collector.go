package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/isdmx/flowbox/config"
	"github.com/isdmx/flowbox/sandbox"
)

// Collector records execution, session, flow store and HTTP metrics
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	importsRejected   *prometheus.CounterVec

	sessionsActive  prometheus.Gauge
	sessionsTotal   *prometheus.CounterVec
	sessionsEvicted prometheus.Counter

	flowOperations *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	knownModules map[string]sandbox.Capability

	logger *zap.Logger
}

// NewRegistry creates the registry served on the metrics endpoint, with Go
// runtime and process collectors attached
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewFromConfig creates a collector registered on reg
func NewFromConfig(cfg *config.Config, reg *prometheus.Registry, logger *zap.Logger) *Collector {
	return NewCollector(cfg.Metrics.Namespace, reg, logger)
}

// NewCollector creates a collector registered on reg
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		knownModules: sandbox.Catalog(),
		logger:       logger.With(zap.String("component", "metrics")),
	}

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of function executions",
		},
		[]string{"mode", "outcome", "error_kind"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Function execution duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"mode"},
	)

	c.importsRejected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_rejected_total",
			Help:      "Total number of rejected module imports",
		},
		[]string{"module"},
	)

	c.sessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of running asynchronous sessions",
		},
	)

	c.sessionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions by terminal status",
		},
		[]string{"status"},
	)

	c.sessionsEvicted = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Total number of sessions evicted after retention",
		},
	)

	c.flowOperations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_operations_total",
			Help:      "Total number of flow store operations",
		},
		[]string{"op", "backend", "outcome"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// ObserveExecution records one finished execution
func (c *Collector) ObserveExecution(mode, outcome, errorKind string, elapsed time.Duration) {
	c.executionsTotal.WithLabelValues(mode, outcome, errorKind).Inc()
	c.executionDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// OtherModule is the label for rejected imports outside the capability catalog
const OtherModule = "other"

// ImportRejected records an import refused by the capability registry.
// Names come from user code, so only catalog names become label values.
func (c *Collector) ImportRejected(module string) {
	label := module
	if _, known := c.knownModules[module]; !known {
		label = OtherModule
		c.logger.Debug("import of unknown module rejected", zap.String("module", module))
	}
	c.importsRejected.WithLabelValues(label).Inc()
}

// SessionStarted records a new running session
func (c *Collector) SessionStarted() {
	c.sessionsActive.Inc()
}

// SessionFinished records a session reaching a terminal status
func (c *Collector) SessionFinished(status string) {
	c.sessionsActive.Dec()
	c.sessionsTotal.WithLabelValues(status).Inc()
}

// SessionsEvicted records sessions dropped after retention
func (c *Collector) SessionsEvicted(n int) {
	c.sessionsEvicted.Add(float64(n))
}

// FlowOperation records a flow store call
func (c *Collector) FlowOperation(op, backend string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.flowOperations.WithLabelValues(op, backend, outcome).Inc()
}

// RecordHTTPRequest records one handled HTTP request
func (c *Collector) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
