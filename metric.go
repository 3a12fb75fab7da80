// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package docstream

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/elastic/go-docstream"

// RunMetrics holds the counters of a single load or export run.
type RunMetrics struct {
	// Requests holds the number of requests that got a response. Bulk
	// requests count even when Elasticsearch rejected them; search and
	// scroll requests count once their page has been decoded. The empty
	// page ending a scroll is not counted.
	Requests int64
	// Records holds the number of operations sent, or hits exported.
	Records int64
	// Duration holds the cumulative server side processing time.
	Duration time.Duration
}

func (m *RunMetrics) addResponse(took time.Duration) {
	m.Requests++
	m.Duration += took
}

type metrics struct {
	requests metric.Int64Counter
	records  metric.Int64Counter
	duration metric.Int64Histogram
	attrs    attribute.Set
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider, attrs attribute.Set) (metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	ms := metrics{attrs: attrs}

	counters := []counterMetric{
		{
			name:        "requests.count",
			description: "The number of bulk, search or scroll requests that got a response.",
			p:           &ms.requests,
		},
		{
			name:        "records",
			description: "The number of records sent or exported.",
			unit:        "{record}",
			p:           &ms.records,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, err
		}
	}

	var err error
	ms.duration, err = meter.Int64Histogram(
		"requests.duration",
		metric.WithUnit("ns"),
		metric.WithDescription("The cumulative server side duration of the requests of a run."),
	)
	if err != nil {
		return ms, fmt.Errorf("failed creating requests.duration metric: %w", err)
	}
	return ms, nil
}

// publish records the final values of a run. It is called exactly once
// per run.
func (ms metrics) publish(operation string, rm RunMetrics) {
	attrs := metric.WithAttributeSet(ms.attrs)
	op := metric.WithAttributes(attribute.String("operation", operation))
	ms.requests.Add(context.Background(), rm.Requests, attrs, op)
	ms.records.Add(context.Background(), rm.Records, attrs, op)
	ms.duration.Record(context.Background(), rm.Duration.Nanoseconds(), attrs, op)
}

func newInt64Counter(meter metric.Meter, c counterMetric) error {
	unit := c.unit
	if unit == "" {
		unit = "1"
	}
	m, err := meter.Int64Counter(
		c.name,
		metric.WithUnit(unit),
		metric.WithDescription(c.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", c.name, err,
		)
	}
	*c.p = m
	return nil
}
