package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yuuki/rdmawq/internal/rdma"
)

// Metrics records provider events as OpenTelemetry instruments. It
// implements rdma.Observer.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	postedCounter   metric.Int64Counter
	rejectedCounter metric.Int64Counter
	doorbellCounter metric.Int64Counter

	// EQ entries announced per doorbell
	doorbellHistogram metric.Int64Histogram

	flushCounter           metric.Int64Counter
	flushedRequestsCounter metric.Int64Counter
}

var _ rdma.Observer = (*Metrics)(nil)

// exporterFor builds an OTLP exporter from a collector address such as
// grpc://host:4317, https://host:4318 or a schemeless host:port.
func exporterFor(ctx context.Context, collectorAddr string) (sdkmetric.Exporter, error) {
	scheme, endpoint := "grpc", collectorAddr
	if strings.Contains(collectorAddr, "://") {
		parsedURL, err := url.Parse(collectorAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
		}
		if parsedURL.Host == "" {
			return nil, fmt.Errorf("otel-collector-addr '%s' is missing a host", collectorAddr)
		}
		scheme, endpoint = parsedURL.Scheme, parsedURL.Host
	} else if !strings.Contains(collectorAddr, ":") {
		return nil, fmt.Errorf("otel-collector-addr '%s' is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
	}

	switch strings.ToLower(scheme) {
	case "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "https":
		return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
}

// NewMetrics creates metrics exported to collectorAddr every 10 seconds and
// installs the provider globally.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	exporter, err := exporterFor(ctx, collectorAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter for %s: %w", collectorAddr, err)
	}
	m, err := NewMetricsWithReader(instanceID, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)))
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// NewMetricsWithReader creates metrics collected by reader.
func NewMetricsWithReader(instanceID string, reader sdkmetric.Reader) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rdmawq"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	meter := provider.Meter("github.com/yuuki/rdmawq/rdma")

	m := &Metrics{provider: provider, meter: meter}
	if m.postedCounter, err = meter.Int64Counter(
		"rdmawq.wr.posted",
		metric.WithDescription("Work requests accepted by a post call"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.rejectedCounter, err = meter.Int64Counter(
		"rdmawq.wr.rejected",
		metric.WithDescription("Work requests a post call did not accept"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.doorbellCounter, err = meter.Int64Counter(
		"rdmawq.doorbell.rings",
		metric.WithDescription("Doorbell rings"),
		metric.WithUnit("{ring}"),
	); err != nil {
		return nil, err
	}
	if m.doorbellHistogram, err = meter.Int64Histogram(
		"rdmawq.doorbell.entries",
		metric.WithDescription("Egress queue entries announced per doorbell"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.flushCounter, err = meter.Int64Counter(
		"rdmawq.qp.flushes",
		metric.WithDescription("Queue pairs moved to the flushed state"),
		metric.WithUnit("{qp}"),
	); err != nil {
		return nil, err
	}
	if m.flushedRequestsCounter, err = meter.Int64Counter(
		"rdmawq.wr.flushed",
		metric.WithDescription("Outstanding work requests completed by a flush"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// rejectReason maps a post error to a low-cardinality attribute value.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, rdma.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, rdma.ErrOutOfResources):
		return "out_of_resources"
	case errors.Is(err, rdma.ErrSizeExceeded):
		return "size_exceeded"
	case errors.Is(err, rdma.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "other"
	}
}

// PostDone records one post call
func (m *Metrics) PostDone(o rdma.PostOutcome) {
	ctx := context.Background()
	base := []attribute.KeyValue{
		attribute.String("device", o.Device),
		attribute.String("queue", o.Queue.String()),
	}
	if o.Posted > 0 {
		m.postedCounter.Add(ctx, int64(o.Posted), metric.WithAttributes(base...))
	}
	if o.Err != nil {
		m.rejectedCounter.Add(ctx, int64(o.Requested-o.Posted),
			metric.WithAttributes(append(base, attribute.String("reason", rejectReason(o.Err)))...))
	}
	if o.DoorbellInc > 0 {
		attrs := metric.WithAttributes(append(base, attribute.String("path", o.DoorbellPath.String()))...)
		m.doorbellCounter.Add(ctx, 1, attrs)
		m.doorbellHistogram.Record(ctx, int64(o.DoorbellInc), attrs)
	}
}

// QPFlushed records one flush
func (m *Metrics) QPFlushed(e rdma.FlushEvent) {
	ctx := context.Background()
	dev := attribute.String("device", e.Device)
	m.flushCounter.Add(ctx, 1, metric.WithAttributes(dev))
	m.flushedRequestsCounter.Add(ctx, int64(e.FlushedSend), metric.WithAttributes(dev, attribute.String("queue", rdma.QueueSend.String())))
	m.flushedRequestsCounter.Add(ctx, int64(e.FlushedRecv), metric.WithAttributes(dev, attribute.String("queue", rdma.QueueRecv.String())))
}

// Shutdown stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}
