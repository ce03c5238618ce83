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
	"context"
	"errors"
	"time"
)

// DefaultMaxRetryBackoff is the longest wait between two attempts when
// SenderConfig.MaxRetryBackoff is unset.
const DefaultMaxRetryBackoff = time.Minute

// Sender submits bulk bodies to a store.
type Sender struct {
	maxRetries      int
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
	requestTimeout  time.Duration
}

// SenderConfig holds configuration for Sender.
type SenderConfig struct {
	// MaxRetries holds how many times a failed request is retried. Zero
	// means each body is submitted exactly once.
	MaxRetries int

	// RetryBackoff holds the wait before the first retry, doubled for every
	// following retry.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the wait between two attempts. If zero,
	// DefaultMaxRetryBackoff is used.
	MaxRetryBackoff time.Duration

	// RequestTimeout bounds every attempt, if positive.
	RequestTimeout time.Duration
}

// NewSender returns a Sender.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = DefaultMaxRetryBackoff
	}
	return &Sender{
		maxRetries:      cfg.MaxRetries,
		retryBackoff:    cfg.RetryBackoff,
		maxRetryBackoff: cfg.MaxRetryBackoff,
		requestTimeout:  cfg.RequestTimeout,
	}
}

// SendResult holds the outcome of sending one bulk body to one target.
type SendResult struct {
	Target    string
	Partition string

	// Items holds the number of records in the body.
	Items int

	// Indexed and FailedDocs are set when the store accepted the request.
	Indexed    int64
	FailedDocs []BulkResponseItem

	// Attempts holds the number of requests issued.
	Attempts int

	// Took holds the time spent, retries included.
	Took time.Duration

	// Err is set when the request was not accepted by the store.
	Err error
}

// Failed reports whether the bulk request or any of its documents failed.
func (r SendResult) Failed() bool {
	return r.Err != nil || len(r.FailedDocs) > 0
}

// Send submits body to the target's partition. The outcome is always
// returned in the SendResult, never as a panic or separate error, so that
// callers fanning out to several targets can treat each independently.
func (s *Sender) Send(ctx context.Context, target TargetClient, partition string, body BulkBody) SendResult {
	result := SendResult{
		Target:    target.Target.String(),
		Partition: partition,
		Items:     body.Items(),
	}
	took := timeFunc(func() {
		for attempt := 0; ; attempt++ {
			result.Attempts++
			stat, err := withTimeout(ctx, s.requestTimeout, func(ctx context.Context) (BulkResponseStat, error) {
				return target.Client.Bulk(ctx, partition, body)
			})
			if err == nil {
				result.Indexed = stat.Indexed
				result.FailedDocs = stat.FailedDocs
				result.Err = nil
				return
			}
			result.Err = err
			if attempt >= s.maxRetries || !retryable(ctx, err) {
				return
			}
			timer := time.NewTimer(s.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				result.Err = errors.Join(err, ctx.Err())
				return
			case <-timer.C:
			}
		}
	})
	result.Took = took
	return result
}

// backoff returns the wait after the given failed attempt: retryBackoff
// doubled once per earlier retry, capped at maxRetryBackoff.
func (s *Sender) backoff(attempt int) time.Duration {
	d := s.retryBackoff
	for i := 0; i < attempt; i++ {
		if d >= s.maxRetryBackoff/2 {
			return s.maxRetryBackoff
		}
		d *= 2
	}
	return min(d, s.maxRetryBackoff)
}

// retryable reports whether a failed bulk request may succeed when sent
// again: transport errors, per-attempt timeouts, 429 and 5xx responses.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var serr *StoreError
	if errors.As(err, &serr) {
		return serr.retryable()
	}
	return !errors.Is(err, context.Canceled)
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
