// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the OpenTelemetry instruments of the car
// helper bridge. The bridge owns a ManualReader: there is no exporter,
// and the values are read back on demand by the host's dump action.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/bureau-foundation/carhelper"

// Metrics records bridge activity. A nil *Metrics is not valid; use
// Noop when nothing should be recorded.
type Metrics struct {
	eventsForwarded  metric.Int64Counter
	eventsDropped    metric.Int64Counter
	peerConnects     metric.Int64Counter
	peerCrashes      metric.Int64Counter
	halResponseTime  metric.Int64Histogram
	precreateCreated metric.Int64Counter
	precreateRemoved metric.Int64Counter

	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// New creates a Metrics backed by its own MeterProvider with a
// ManualReader, so that Snapshot can read the current values.
func New() (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newWithMeter(provider.Meter(meterName))
	if err != nil {
		return nil, err
	}
	m.reader = reader
	m.provider = provider
	return m, nil
}

// Noop returns a Metrics that records nothing.
func Noop() *Metrics {
	m, err := newWithMeter(noop.NewMeterProvider().Meter(meterName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}

func newWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.eventsForwarded, err = meter.Int64Counter("carhelper.events.forwarded",
		metric.WithDescription("Lifecycle events forwarded to the car service"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("creating events.forwarded counter: %w", err)
	}
	if m.eventsDropped, err = meter.Int64Counter("carhelper.events.dropped",
		metric.WithDescription("Lifecycle events not forwarded"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("creating events.dropped counter: %w", err)
	}
	if m.peerConnects, err = meter.Int64Counter("carhelper.peer.connects",
		metric.WithDescription("Car service connections"),
		metric.WithUnit("{connect}"),
	); err != nil {
		return nil, fmt.Errorf("creating peer.connects counter: %w", err)
	}
	if m.peerCrashes, err = meter.Int64Counter("carhelper.peer.crashes",
		metric.WithDescription("Car service crashes handled by recovery"),
		metric.WithUnit("{crash}"),
	); err != nil {
		return nil, fmt.Errorf("creating peer.crashes counter: %w", err)
	}
	if m.halResponseTime, err = meter.Int64Histogram("carhelper.hal.response_time",
		metric.WithDescription("Boot-policy query response time, including late replies"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	); err != nil {
		return nil, fmt.Errorf("creating hal.response_time histogram: %w", err)
	}
	if m.precreateCreated, err = meter.Int64Counter("carhelper.precreate.created",
		metric.WithDescription("Users pre-created in the background"),
		metric.WithUnit("{user}"),
	); err != nil {
		return nil, fmt.Errorf("creating precreate.created counter: %w", err)
	}
	if m.precreateRemoved, err = meter.Int64Counter("carhelper.precreate.removed",
		metric.WithDescription("Uninitialized pre-created users removed"),
		metric.WithUnit("{user}"),
	); err != nil {
		return nil, fmt.Errorf("creating precreate.removed counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) EventForwarded(ctx context.Context, event string) {
	m.eventsForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *Metrics) EventDropped(ctx context.Context, event, reason string) {
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) PeerConnected(ctx context.Context, replaced bool) {
	m.peerConnects.Add(ctx, 1, metric.WithAttributes(attribute.Bool("replaced", replaced)))
}

func (m *Metrics) PeerCrashed(ctx context.Context) {
	m.peerCrashes.Add(ctx, 1)
}

// HALResponse records an observed boot-policy reply latency. late
// marks replies that arrived after the deadline.
func (m *Metrics) HALResponse(ctx context.Context, milliseconds int64, late bool) {
	m.halResponseTime.Record(ctx, milliseconds, metric.WithAttributes(attribute.Bool("late", late)))
}

// PreCreated counts one pre-created user. kind is "user" or "guest".
func (m *Metrics) PreCreated(ctx context.Context, kind string) {
	m.precreateCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) PreCreatedRemoved(ctx context.Context) {
	m.precreateRemoved.Add(ctx, 1)
}

// Point is one flattened data point of a Snapshot. Histograms report
// their count and sum.
type Point struct {
	Name       string            `cbor:"name"`
	Attributes map[string]string `cbor:"attributes,omitempty"`
	Value      int64             `cbor:"value"`
	Sum        int64             `cbor:"sum,omitempty"`
}

func (p Point) String() string {
	var builder strings.Builder
	builder.WriteString(p.Name)
	if len(p.Attributes) > 0 {
		keys := make([]string, 0, len(p.Attributes))
		for key := range p.Attributes {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		builder.WriteByte('{')
		for index, key := range keys {
			if index > 0 {
				builder.WriteByte(',')
			}
			fmt.Fprintf(&builder, "%s=%s", key, p.Attributes[key])
		}
		builder.WriteByte('}')
	}
	fmt.Fprintf(&builder, " %d", p.Value)
	if p.Sum != 0 {
		fmt.Fprintf(&builder, " sum=%d", p.Sum)
	}
	return builder.String()
}

// Snapshot collects the current values, sorted by name. A Noop
// Metrics returns nil.
func (m *Metrics) Snapshot(ctx context.Context) ([]Point, error) {
	if m.reader == nil {
		return nil, nil
	}
	var collected metricdata.ResourceMetrics
	if err := m.reader.Collect(ctx, &collected); err != nil {
		return nil, fmt.Errorf("collecting metrics: %w", err)
	}

	var points []Point
	for _, scope := range collected.ScopeMetrics {
		for _, instrument := range scope.Metrics {
			switch data := instrument.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dataPoint := range data.DataPoints {
					points = append(points, Point{
						Name:       instrument.Name,
						Attributes: attributeMap(dataPoint.Attributes),
						Value:      dataPoint.Value,
					})
				}
			case metricdata.Histogram[int64]:
				for _, dataPoint := range data.DataPoints {
					points = append(points, Point{
						Name:       instrument.Name,
						Attributes: attributeMap(dataPoint.Attributes),
						Value:      int64(dataPoint.Count),
						Sum:        dataPoint.Sum,
					})
				}
			}
		}
	}
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Name != points[j].Name {
			return points[i].Name < points[j].Name
		}
		return points[i].String() < points[j].String()
	})
	return points, nil
}

// Shutdown releases the MeterProvider, if this Metrics owns one.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func attributeMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	result := make(map[string]string, set.Len())
	for _, keyValue := range set.ToSlice() {
		result[string(keyValue.Key)] = keyValue.Value.Emit()
	}
	return result
}
