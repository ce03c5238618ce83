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

package flowshipper

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	flushDuration     metric.Float64Histogram
	linesRead         metric.Int64Counter
	docsAdded         metric.Int64Counter
	parseErrors       metric.Int64Counter
	invalidIPs        metric.Int64Counter
	bulkRequests      metric.Int64Counter
	docsIndexed       metric.Int64Counter
	bytesTotal        metric.Int64Counter
	partitionsCreated metric.Int64Counter
	partitionsDeleted metric.Int64Counter
}

type histogramMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Float64Histogram
}

type counterMetric struct {
	name        string
	description string
	unit        string
	p           *metric.Int64Counter
}

func newMetrics(cfg Config) (metrics, error) {
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	meter := cfg.MeterProvider.Meter("github.com/elastic/go-flowshipper")
	ms := metrics{}
	histograms := []histogramMetric{
		{
			name:        "flowshipper.flushed.latency",
			description: "The amount of time a _bulk request took, in seconds, retries included.",
			unit:        "s",
			p:           &ms.flushDuration,
		},
	}
	for _, m := range histograms {
		if err := newFloat64Histogram(meter, m); err != nil {
			return ms, err
		}
	}

	counters := []counterMetric{
		{
			name:        "flowshipper.lines.count",
			description: "The number of input lines read.",
			p:           &ms.linesRead,
		},
		{
			name:        "flowshipper.documents.count",
			description: "The number of records added to a bulk request.",
			p:           &ms.docsAdded,
		},
		{
			name:        "flowshipper.parse_errors.count",
			description: "The number of input lines rejected as invalid JSON objects.",
			p:           &ms.parseErrors,
		},
		{
			name:        "flowshipper.invalid_ips.count",
			description: "The number of address fields that could not be pseudonymized.",
			p:           &ms.invalidIPs,
		},
		{
			name:        "flowshipper.bulk_requests.count",
			description: "The number of bulk requests completed, per target. Dimensions report success or failure.",
			p:           &ms.bulkRequests,
		},
		{
			name:        "flowshipper.documents.indexed",
			description: "The number of documents flushed, per target. Dimensions report success or failure.",
			p:           &ms.docsIndexed,
		},
		{
			name:        "flowshipper.flushed.bytes",
			description: "The total number of bytes written to bulk request bodies.",
			unit:        "by",
			p:           &ms.bytesTotal,
		},
		{
			name:        "flowshipper.partitions.created",
			description: "The number of partitions created.",
			p:           &ms.partitionsCreated,
		},
		{
			name:        "flowshipper.partitions.deleted",
			description: "The number of expired partitions deleted.",
			p:           &ms.partitionsDeleted,
		},
	}
	for _, m := range counters {
		if err := newInt64Counter(meter, m); err != nil {
			return ms, err
		}
	}
	return ms, nil
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

func newFloat64Histogram(meter metric.Meter, h histogramMetric) error {
	m, err := meter.Float64Histogram(
		h.name,
		metric.WithUnit(h.unit),
		metric.WithDescription(h.description),
	)
	if err != nil {
		return fmt.Errorf(
			"failed creating %s metric: %w", h.name, err,
		)
	}
	*h.p = m
	return nil
}
