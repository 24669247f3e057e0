/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmchan/pkg/shm"

type telemetry struct {
	tracer   trace.Tracer
	attrs    metric.MeasurementOption
	writes   metric.Int64Counter
	reads    metric.Int64Counter
	timeouts metric.Int64Counter
}

func newTelemetry(name string, m metric.Meter, t trace.Tracer) *telemetry {
	if m == nil {
		m = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if t == nil {
		t = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	tel := &telemetry{
		tracer: t,
		attrs:  metric.WithAttributes(attribute.String("shmchan.name", name)),
	}
	tel.writes = counter(m, "shmchan.writes", "Successful channel writes")
	tel.reads = counter(m, "shmchan.reads", "Successful channel reads")
	tel.timeouts = counter(m, "shmchan.timeouts", "Channel operations that timed out")
	return tel
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		internalLogger.warnf("otel counter %s: %v", name, err)
		c, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter(name)
	}
	return c
}

func (t *telemetry) start(op, name string) trace.Span {
	_, span := t.tracer.Start(context.Background(), "shmchan."+op,
		trace.WithAttributes(attribute.String("shmchan.name", name)))
	return span
}

func (t *telemetry) record(op, result string) {
	ctx := context.Background()
	switch {
	case result == resultTimeout:
		t.timeouts.Add(ctx, 1, t.attrs)
	case result != resultOK:
	case op == opWrite:
		t.writes.Add(ctx, 1, t.attrs)
	case op == opRead:
		t.reads.Add(ctx, 1, t.attrs)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
