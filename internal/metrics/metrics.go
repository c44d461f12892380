// Package metrics collects tool, event, and cache metrics through
// OpenTelemetry with a Prometheus scrape endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"conductor/internal/logging"
)

// Collector manages all metrics for conductor. A zero-value Collector (or
// one built with Enabled=false) records nothing, so callers never need a
// nil check.
type Collector struct {
	meter metric.Meter

	toolCalls    metric.Int64Counter
	toolDuration metric.Float64Histogram

	eventsDispatched metric.Int64Counter

	cacheLookups metric.Int64Counter

	server *http.Server
	log    *logging.Logger
}

// Config configures the collector.
type Config struct {
	Enabled bool
	// Addr is the Prometheus scrape address, e.g. ":9464". Empty disables
	// the embedded server.
	Addr string
}

// NewCollector creates a collector and, when configured, starts the
// Prometheus scrape server.
func NewCollector(cfg Config, log *logging.Logger) (*Collector, error) {
	log = logging.OrNop(log).Component("metrics")
	if !cfg.Enabled {
		return &Collector{log: log}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("conductor")

	toolCalls, err := meter.Int64Counter(
		"conductor.tool.calls.total",
		metric.WithDescription("Total number of tool invocations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool_calls counter: %w", err)
	}
	toolDuration, err := meter.Float64Histogram(
		"conductor.tool.duration",
		metric.WithDescription("Tool invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool_duration histogram: %w", err)
	}
	eventsDispatched, err := meter.Int64Counter(
		"conductor.events.dispatched.total",
		metric.WithDescription("Total number of domain events dispatched"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events_dispatched counter: %w", err)
	}
	cacheLookups, err := meter.Int64Counter(
		"conductor.cache.lookups.total",
		metric.WithDescription("Alignment cache lookups by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_lookups counter: %w", err)
	}

	c := &Collector{
		meter:            meter,
		toolCalls:        toolCalls,
		toolDuration:     toolDuration,
		eventsDispatched: eventsDispatched,
		cacheLookups:     cacheLookups,
		log:              log,
	}
	if cfg.Addr != "" {
		c.startServer(cfg.Addr)
	}
	return c, nil
}

func (c *Collector) startServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	c.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		c.log.Info("prometheus scrape server listening", "addr", addr)
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error("prometheus server error", "error", err)
		}
	}()
}

// Shutdown stops the scrape server.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// ToolCall records one tool invocation with its outcome.
func (c *Collector) ToolCall(ctx context.Context, tool string, success bool, errorCode string, elapsed time.Duration) {
	if c == nil || c.toolCalls == nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
		attribute.String("status", status),
	}
	if errorCode != "" {
		attrs = append(attrs, attribute.String("code", errorCode))
	}
	c.toolCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.toolDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// EventDispatched counts one delivered domain event.
func (c *Collector) EventDispatched(ctx context.Context, name string) {
	if c == nil || c.eventsDispatched == nil {
		return
	}
	c.eventsDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
}

// CacheLookup counts one alignment cache lookup.
func (c *Collector) CacheLookup(ctx context.Context, hit bool) {
	if c == nil || c.cacheLookups == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	c.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
