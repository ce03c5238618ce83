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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	timestampField = "@timestamp"
	ipSrcField     = "ip_src"
	ipDstField     = "ip_dst"

	readBufferSize = 64 * 1024
)

// TargetClient pairs a Target with the StoreClient used to reach it.
type TargetClient struct {
	Target Target
	Client StoreClient
}

// Pipeline reads newline-delimited JSON records, stamps and optionally
// pseudonymizes them, and indexes them in bulk into the current daily
// partition of every target.
//
// A Pipeline handles a single input stream. The partition and @timestamp
// value are fixed when the Pipeline is created, so all records of one run
// land in the same partition with the same timestamp.
//
// Nothing but input read errors stops a run: malformed lines, partition
// management errors and failed bulk requests are logged and counted in the
// Result.
type Pipeline struct {
	config  Config
	targets []TargetClient
	manager *PartitionManager
	sender  *Sender
	batch   *Batch
	metrics metrics

	// tracer is an OTel tracer, and should not be confused with
	// `p.config.Tracer` which is an Elastic APM Tracer.
	tracer trace.Tracer

	now         time.Time
	partition   string
	timestamp   string
	initialized bool
	initResult  InitResult
	result      Result

	// Flush traces link to the Initialize trace, tying every bulk request
	// to the run that issued it.
	initLinks initLinks
}

// Result holds the counters of a run.
type Result struct {
	// Lines holds the number of input lines read.
	Lines int64

	// Documents holds the number of records added to bulk requests.
	Documents int64

	// ParseErrors holds the number of lines that were not JSON objects.
	ParseErrors int64

	// InvalidIPs holds the number of address fields replaced with the
	// invalid IP marker during pseudonymization.
	InvalidIPs int64

	// Flushes holds the number of batches flushed.
	Flushes int64

	// Targets holds per-target delivery counters, in target order.
	Targets []TargetStats
}

// TargetStats holds the delivery counters of one target.
type TargetStats struct {
	Target             string
	BulkRequests       int64
	FailedBulkRequests int64
	DocumentsIndexed   int64
	DocumentsFailed    int64
}

// Failed reports whether any bulk request or document failed on any target.
func (r Result) Failed() bool {
	for _, t := range r.Targets {
		if t.FailedBulkRequests > 0 || t.DocumentsFailed > 0 {
			return true
		}
	}
	return false
}

// InitResult holds the outcome of Pipeline.Initialize.
type InitResult struct {
	Partition string
	Targets   []TargetInitResult
}

// TargetInitResult holds the partition management outcome for one target.
type TargetInitResult struct {
	Target    string
	Purge     PurgeResult
	PurgeErr  error
	Created   bool
	EnsureErr error
}

// Err returns the partition management errors of all targets, or nil.
func (r InitResult) Err() error {
	var errs []error
	for _, t := range r.Targets {
		if t.PurgeErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Target, t.PurgeErr))
		}
		for _, f := range t.Purge.Failed {
			errs = append(errs, fmt.Errorf("%s: %w", t.Target, f))
		}
		if t.EnsureErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Target, t.EnsureErr))
		}
	}
	return errors.Join(errs...)
}

// New returns a Pipeline shipping records to targets. targets may be empty,
// in which case records are parsed and batched but sent nowhere.
func New(targets []TargetClient, cfg Config) (*Pipeline, error) {
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for _, t := range targets {
		if t.Client == nil {
			return nil, fmt.Errorf("target %s: client is nil", t.Target)
		}
	}
	batch, err := NewBatch(BatchConfig{
		MaxRecords:       cfg.BulkSize,
		FlushBytes:       cfg.FlushBytes,
		CompressionLevel: cfg.CompressionLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating batch: %w", err)
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	now := cfg.Now().UTC()
	p := &Pipeline{
		config:  cfg,
		targets: slices.Clone(targets),
		manager: NewPartitionManager(cfg.PartitionPrefix, cfg.RequestTimeout),
		sender: NewSender(SenderConfig{
			MaxRetries:     cfg.MaxRetries,
			RetryBackoff:   cfg.RetryBackoff,
			RequestTimeout: cfg.RequestTimeout,
		}),
		batch:     batch,
		metrics:   ms,
		now:       now,
		partition: PartitionName(cfg.PartitionPrefix, now),
		timestamp: now.Format(cfg.timestampLayout()),
	}
	p.result.Targets = make([]TargetStats, len(targets))
	for i, t := range targets {
		p.result.Targets[i].Target = t.Target.String()
	}
	p.initLinks.partition = p.partition
	if cfg.TracerProvider != nil {
		p.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-flowshipper.pipeline")
	}
	if len(targets) == 0 {
		cfg.Logger.Warn("no targets configured, records will not be indexed")
	}
	return p, nil
}

// NewFromTargets creates a StoreClient for each target and returns a
// Pipeline shipping to them.
func NewFromTargets(targets []Target, cfg Config) (*Pipeline, error) {
	clients := make([]TargetClient, 0, len(targets))
	for _, t := range targets {
		client, err := NewStoreClient(t, cfg)
		if err != nil {
			return nil, err
		}
		clients = append(clients, TargetClient{Target: t.withDefaults(), Client: client})
	}
	return New(clients, cfg)
}

// Partition returns the name of the partition records are indexed into.
func (p *Pipeline) Partition() string {
	return p.partition
}

// Timestamp returns the @timestamp value added to every record.
func (p *Pipeline) Timestamp() string {
	return p.timestamp
}

// Initialize prepares every target for the run: expired partitions are
// deleted first, then the run's partition is created if missing. Purging
// first guarantees the partition about to be written is never the one
// being deleted.
//
// Per-target failures are logged and reported in the InitResult; they do
// not prevent ingestion. An error is returned only if ctx is done.
// Initialize runs once; later calls return the first result.
func (p *Pipeline) Initialize(ctx context.Context) (InitResult, error) {
	if p.initialized {
		return p.initResult, nil
	}
	p.initResult = InitResult{
		Partition: p.partition,
		Targets:   make([]TargetInitResult, 0, len(p.targets)),
	}
	if p.config.Tracer != nil {
		tx := p.config.Tracer.StartTransaction("flowshipper.initialize", "lifecycle")
		tx.Context.SetLabel("partition", p.partition)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)
		p.initLinks.apm = tx.TraceContext()
	}
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "flowshipper.initialize", trace.WithAttributes(
			attribute.String("partition", p.partition),
			attribute.Int("targets", len(p.targets)),
		))
		defer span.End()
		p.initLinks.otel = span.SpanContext()
	}
	for _, t := range p.targets {
		if err := ctx.Err(); err != nil {
			return p.initResult, err
		}
		p.initResult.Targets = append(p.initResult.Targets, p.initializeTarget(ctx, t))
	}
	p.initialized = true
	return p.initResult, nil
}

func (p *Pipeline) initializeTarget(ctx context.Context, t TargetClient) TargetInitResult {
	name := t.Target.String()
	logger := p.config.Logger.With(zap.String("target", name))
	attrs := []metric.AddOption{
		metric.WithAttributeSet(p.config.MetricAttributes),
		metric.WithAttributes(attribute.String("target", name)),
	}
	result := TargetInitResult{Target: name}

	result.Purge, result.PurgeErr = p.manager.PurgeExpired(ctx, t.Client, p.now, p.config.RetentionDays)
	if result.PurgeErr != nil {
		logger.Error("failed to list partitions", zap.Error(result.PurgeErr))
	}
	for _, deleted := range result.Purge.Deleted {
		logger.Info("deleted expired partition", zap.String("partition", deleted))
	}
	if n := len(result.Purge.Deleted); n > 0 {
		p.metrics.partitionsDeleted.Add(context.Background(), int64(n), attrs...)
	}
	for _, failed := range result.Purge.Failed {
		logger.Error("failed to delete expired partition",
			zap.String("partition", failed.Name), zap.Error(failed.Err),
		)
	}
	for _, skipped := range result.Purge.Skipped {
		logger.Warn("skipping partition with unparseable date",
			zap.String("partition", skipped.Name), zap.Error(skipped.Err),
		)
	}

	result.Created, result.EnsureErr = p.manager.EnsurePartition(ctx, t.Client, p.partition)
	switch {
	case result.EnsureErr != nil:
		logger.Error("failed to create partition",
			zap.String("partition", p.partition), zap.Error(result.EnsureErr),
		)
	case result.Created:
		logger.Info("created partition", zap.String("partition", p.partition))
		p.metrics.partitionsCreated.Add(context.Background(), 1, attrs...)
	}
	return result
}

// Run reads r until EOF, indexing every valid record. Records left in the
// batch at EOF are flushed even if the batch is not full.
//
// Run calls Initialize if it has not been called yet. It returns an error
// only if reading r fails or ctx is done; records buffered at that point are
// still flushed. Cancelling ctx returns promptly even while a read from r is
// blocked; the pending read is abandoned and its data is never indexed.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) (Result, error) {
	if _, err := p.Initialize(ctx); err != nil {
		return p.snapshot(), err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan readResult)
	go readLines(ctx, r, lines)
	for {
		if err := ctx.Err(); err != nil {
			p.flushRemaining(ctx)
			return p.snapshot(), err
		}
		var res readResult
		select {
		case <-ctx.Done():
			continue
		case res = <-lines:
		}
		if len(res.line) > 0 {
			p.handleLine(ctx, res.line)
		}
		if errors.Is(res.err, io.EOF) {
			break
		}
		if res.err != nil {
			p.flushRemaining(ctx)
			return p.snapshot(), fmt.Errorf("failed to read input: %w", res.err)
		}
	}
	p.flushRemaining(ctx)
	return p.snapshot(), nil
}

type readResult struct {
	line []byte
	err  error
}

// readLines sends every line of r to out, the last one together with the
// read error. It gives up as soon as ctx is done.
func readLines(ctx context.Context, r io.Reader, out chan<- readResult) {
	reader := bufio.NewReaderSize(r, readBufferSize)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 || err != nil {
			select {
			case out <- readResult{line: line, err: err}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Pipeline) snapshot() Result {
	result := p.result
	result.Targets = slices.Clone(p.result.Targets)
	return result
}

func (p *Pipeline) handleLine(ctx context.Context, line []byte) {
	attrs := metric.WithAttributeSet(p.config.MetricAttributes)
	p.result.Lines++
	p.metrics.linesRead.Add(context.Background(), 1, attrs)

	doc, err := ParseDocument(line)
	if err != nil {
		p.result.ParseErrors++
		p.metrics.parseErrors.Add(context.Background(), 1, attrs)
		p.config.Logger.Error("failed to decode record",
			zap.Int64("line", p.result.Lines), zap.Error(err),
		)
		return
	}
	doc.SetString(timestampField, p.timestamp)
	if p.config.Pseudonymize {
		p.pseudonymizeField(doc, ipDstField)
		p.pseudonymizeField(doc, ipSrcField)
	}

	ready, err := p.batch.Add(doc)
	if err != nil {
		p.config.Logger.Error("failed to add record to bulk request",
			zap.Int64("line", p.result.Lines), zap.Error(err),
		)
		return
	}
	p.result.Documents++
	p.metrics.docsAdded.Add(context.Background(), 1, attrs)
	if ready {
		p.flush(ctx)
	}
}

// pseudonymizeField replaces an address field with its pseudonym. Values
// that are not JSON strings are pseudonymized from their JSON text, which
// always yields the invalid IP marker.
func (p *Pipeline) pseudonymizeField(doc *Document, field string) {
	raw, ok := doc.Get(field)
	if !ok {
		return
	}
	ip, ok := doc.GetString(field)
	if !ok {
		ip = string(raw)
	}
	pseudonym := Pseudonymize(ip, p.config.Salt)
	if IsInvalidIP(pseudonym) {
		p.result.InvalidIPs++
		p.metrics.invalidIPs.Add(context.Background(), 1,
			metric.WithAttributeSet(p.config.MetricAttributes),
			metric.WithAttributes(attribute.String("field", field)),
		)
		p.config.Logger.Debug("invalid IP address",
			zap.String("field", field), zap.Int64("line", p.result.Lines),
		)
	}
	doc.SetString(field, pseudonym)
}

// flushRemaining flushes the partially filled batch. The flush outlives
// cancellation of ctx; each request is still bounded by RequestTimeout.
func (p *Pipeline) flushRemaining(ctx context.Context) {
	if p.batch.Len() == 0 {
		return
	}
	p.flush(context.WithoutCancel(ctx))
}

func (p *Pipeline) flush(ctx context.Context) {
	n := p.batch.Len()
	if n == 0 {
		return
	}

	logger := p.config.Logger
	var tx *apm.Transaction
	if p.config.Tracer != nil {
		tx = p.config.Tracer.StartTransactionOptions("flowshipper.flush", "output", apm.TransactionOptions{
			Links: p.initLinks.apmLinks(),
		})
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-target errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}
	var span trace.Span
	if p.tracer != nil {
		spanOpts := []trace.SpanStartOption{trace.WithAttributes(
			attribute.Int("documents", n),
			attribute.String("partition", p.partition),
		)}
		if links := p.initLinks.otelLinks(); len(links) > 0 {
			spanOpts = append(spanOpts, trace.WithLinks(links...))
		}
		ctx, span = p.tracer.Start(ctx, "flowshipper.flush", spanOpts...)
		defer span.End()

		// Add trace IDs to logger, to associate any per-target errors
		// below with the trace.
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	body, err := p.batch.Take()
	if err != nil {
		logger.Error("failed to encode bulk request", zap.Int("documents", n), zap.Error(err))
		for i := range p.result.Targets {
			p.result.Targets[i].FailedBulkRequests++
			p.result.Targets[i].DocumentsFailed += int64(n)
		}
		if span != nil && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to encode bulk request")
		}
		return
	}
	p.result.Flushes++

	var failed bool
	for i, res := range p.fanOut(ctx, body) {
		p.record(logger, i, body, res)
		if res.Failed() {
			failed = true
			if res.Err != nil && tx != nil {
				apm.CaptureError(ctx, res.Err).Send()
			}
			if span != nil && span.IsRecording() && res.Err != nil {
				span.RecordError(res.Err, trace.WithAttributes(attribute.String("target", res.Target)))
			}
		}
	}
	if tx != nil {
		tx.Outcome = "success"
		if failed {
			tx.Outcome = "failure"
		}
	}
	if span != nil && span.IsRecording() {
		if failed {
			span.SetStatus(codes.Error, "bulk indexing request failed")
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// fanOut sends body to every target and returns the results in target
// order. A failing target never prevents delivery to the others.
func (p *Pipeline) fanOut(ctx context.Context, body BulkBody) []SendResult {
	results := make([]SendResult, len(p.targets))
	if !p.config.ConcurrentFanOut || len(p.targets) < 2 {
		for i, t := range p.targets {
			results[i] = p.sender.Send(ctx, t, p.partition, body)
		}
		return results
	}
	// Every goroutine owns one slot of results and one StoreClient. Each
	// attempt is bounded by RequestTimeout, so a stalled target delays
	// the flush by at most its retry budget.
	var g errgroup.Group
	for i, t := range p.targets {
		g.Go(func() error {
			results[i] = p.sender.Send(ctx, t, p.partition, body)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) record(logger *zap.Logger, i int, body BulkBody, res SendResult) {
	stats := &p.result.Targets[i]
	stats.BulkRequests++
	logger = logger.With(zap.String("target", res.Target), zap.String("partition", res.Partition))
	attrs := metric.WithAttributeSet(p.config.MetricAttributes)
	targetAttr := attribute.String("target", res.Target)
	p.metrics.flushDuration.Record(context.Background(), res.Took.Seconds(),
		attrs, metric.WithAttributes(targetAttr),
	)

	if res.Err != nil {
		stats.FailedBulkRequests++
		stats.DocumentsFailed += int64(res.Items)
		logger.Error("bulk indexing request failed",
			zap.Int("documents", res.Items),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
		failedAttrs := []attribute.KeyValue{targetAttr, attribute.String("status", "Failed")}
		var serr *StoreError
		if errors.As(res.Err, &serr) {
			failedAttrs = append(failedAttrs, semconv.HTTPResponseStatusCode(serr.StatusCode))
		}
		p.metrics.bulkRequests.Add(context.Background(), 1, attrs, metric.WithAttributes(failedAttrs...))
		p.metrics.docsIndexed.Add(context.Background(), int64(res.Items), attrs, metric.WithAttributes(failedAttrs...))
		return
	}

	p.metrics.bytesTotal.Add(context.Background(), int64(body.Len()), attrs, metric.WithAttributes(targetAttr))
	p.metrics.bulkRequests.Add(context.Background(), 1, attrs, metric.WithAttributes(
		targetAttr, attribute.String("status", "Success"),
	))
	stats.DocumentsIndexed += res.Indexed
	if res.Indexed > 0 {
		p.metrics.docsIndexed.Add(context.Background(), res.Indexed, attrs, metric.WithAttributes(
			targetAttr, attribute.String("status", "Success"),
		))
	}
	if docsFailed := len(res.FailedDocs); docsFailed > 0 {
		stats.DocumentsFailed += int64(docsFailed)
		p.metrics.docsIndexed.Add(context.Background(), int64(docsFailed), attrs, metric.WithAttributes(
			targetAttr, attribute.String("status", "FailedDocument"),
		))
		failedCount := make(map[BulkResponseItem]int, docsFailed)
		for _, info := range res.FailedDocs {
			info.Position = 0 // reset position so that the response item can be used as key in the map
			failedCount[info]++
		}
		for key, count := range failedCount {
			logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
				key.Index, key.Error.Type, key.Error.Reason,
			), zap.Int("documents", count))
		}
	}
	logger.Debug(
		"bulk request completed",
		zap.Int64("docs_indexed", res.Indexed),
		zap.Int("docs_failed", len(res.FailedDocs)),
		zap.Int("attempts", res.Attempts),
		zap.Duration("took", res.Took),
	)
}
