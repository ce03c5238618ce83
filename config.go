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
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultBulkSize is the number of records sent per bulk request.
	DefaultBulkSize = 1000

	// DefaultRetentionDays is the number of days a partition is kept.
	DefaultRetentionDays = 9

	// DefaultRequestTimeout bounds every request issued to a store.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultSalt is the pseudonymization salt used when none is configured.
	DefaultSalt = "default_salt"
)

// Config holds configuration for Pipeline.
type Config struct {
	// Logger holds an optional Logger to use for logging ingestion and
	// store errors.
	//
	// Parse errors are logged at error level, one entry per rejected line,
	// so a rate-limited logger is recommended for noisy inputs.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing bulk requests.
	// Each flush is traced as a transaction, and store requests as spans.
	//
	// If Tracer is nil, requests will not be traced.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. When set, every
	// flush is recorded as a span.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record pipeline metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// BulkSize holds the number of records buffered before a bulk request
	// is sent.
	//
	// If BulkSize is zero, the default of 1000 will be used.
	BulkSize int

	// FlushBytes holds an additional flush threshold in bytes of encoded
	// bulk body. Whichever of BulkSize and FlushBytes is reached first
	// triggers a flush.
	//
	// If FlushBytes is zero, only BulkSize is considered.
	FlushBytes int

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). The special value -1 (gzip.DefaultCompression)
	// selects the default compression level.
	CompressionLevel int

	// RetentionDays holds the number of days a partition is kept before it
	// is deleted at startup.
	//
	// If RetentionDays is zero, the default of 9 will be used. A negative
	// value disables deletion.
	RetentionDays int

	// PartitionPrefix holds the prefix of partition names.
	//
	// If PartitionPrefix is empty, "sflow-" will be used.
	PartitionPrefix string

	// Pseudonymize enables pseudonymization of the ip_src and ip_dst fields.
	Pseudonymize bool

	// Salt holds the pseudonymization salt.
	//
	// If Salt is empty, "default_salt" will be used.
	Salt string

	// TimestampPrecision holds the precision of the @timestamp field added
	// to every record. Only time.Second and time.Minute are supported.
	//
	// If TimestampPrecision is zero, second precision will be used.
	TimestampPrecision time.Duration

	// RequestTimeout bounds each request sent to a store.
	//
	// If RequestTimeout is zero, the default of 30 seconds will be used.
	RequestTimeout time.Duration

	// MaxRetries holds the maximum number of times a failed bulk request is
	// retried. Only transport errors, 429 and 5xx responses are retried.
	//
	// If MaxRetries is zero, every bulk request is attempted exactly once.
	MaxRetries int

	// RetryBackoff holds the wait before the first retry. It doubles with
	// every subsequent attempt.
	//
	// If RetryBackoff is zero, the default of 1 second will be used.
	RetryBackoff time.Duration

	// ConcurrentFanOut sends each flushed batch to all targets concurrently
	// instead of one after another.
	ConcurrentFanOut bool

	// Now returns the current time. It is used once, when the pipeline is
	// created, to name the partition and stamp records.
	//
	// If Now is nil, time.Now will be used.
	Now func() time.Time
}

// DefaultConfig returns a copy of cfg with zero values replaced by defaults.
func DefaultConfig(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BulkSize <= 0 {
		cfg.BulkSize = DefaultBulkSize
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.PartitionPrefix == "" {
		cfg.PartitionPrefix = DefaultPartitionPrefix
	}
	if cfg.Salt == "" {
		cfg.Salt = DefaultSalt
	}
	if cfg.TimestampPrecision == 0 {
		cfg.TimestampPrecision = time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// Validate returns an error if cfg holds values that cannot be used.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.CompressionLevel < gzip.DefaultCompression || cfg.CompressionLevel > gzip.BestCompression {
		errs = append(errs, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		))
	}
	if cfg.FlushBytes < 0 {
		errs = append(errs, fmt.Errorf("FlushBytes must not be negative, got %d", cfg.FlushBytes))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MaxRetries must not be negative, got %d", cfg.MaxRetries))
	}
	switch cfg.TimestampPrecision {
	case 0, time.Second, time.Minute:
	default:
		errs = append(errs, fmt.Errorf(
			"TimestampPrecision must be 1s or 1m, got %s", cfg.TimestampPrecision,
		))
	}
	return errors.Join(errs...)
}

// timestampLayout returns the layout used for the @timestamp field.
func (cfg Config) timestampLayout() string {
	if cfg.TimestampPrecision == time.Minute {
		return "2006-01-02T15:04Z"
	}
	return "2006-01-02T15:04:05Z"
}
