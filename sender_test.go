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

package flowshipper_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-flowshipper"
	"github.com/elastic/go-flowshipper/flowshippertest"
)

func TestSenderNoRetry(t *testing.T) {
	store := flowshippertest.NewMockStore(t)
	store.FailBulk(http.StatusServiceUnavailable, 1)
	target := store.TargetClient(t, "es")

	sender := flowshipper.NewSender(flowshipper.SenderConfig{RequestTimeout: time.Second})
	res := sender.Send(context.Background(), target, "sflow-2024.03.15",
		newBulkBody(t, gzip.NoCompression, `{"a":1}`, `{"a":2}`),
	)
	assert.True(t, res.Failed())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, res.Items)
	assert.Equal(t, "es", res.Target)
	assert.Equal(t, "sflow-2024.03.15", res.Partition)
	assert.Len(t, store.Bulks(), 1)
}

func TestSenderRetry(t *testing.T) {
	store := flowshippertest.NewMockStore(t)
	store.FailBulk(http.StatusTooManyRequests, 2)
	target := store.TargetClient(t, "es")

	sender := flowshipper.NewSender(flowshipper.SenderConfig{
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})
	res := sender.Send(context.Background(), target, "sflow-2024.03.15",
		newBulkBody(t, gzip.NoCompression, `{"a":1}`),
	)
	require.NoError(t, res.Err)
	assert.False(t, res.Failed())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(1), res.Indexed)
	assert.Len(t, store.Documents("sflow-2024.03.15"), 1)
}

func TestSenderRetryLimit(t *testing.T) {
	store := flowshippertest.NewMockStore(t)
	store.FailBulk(http.StatusBadGateway, -1)
	target := store.TargetClient(t, "es")

	sender := flowshipper.NewSender(flowshipper.SenderConfig{
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})
	res := sender.Send(context.Background(), target, "sflow-2024.03.15",
		newBulkBody(t, gzip.NoCompression, `{"a":1}`),
	)
	var serr *flowshipper.StoreError
	require.True(t, errors.As(res.Err, &serr))
	assert.Equal(t, http.StatusBadGateway, serr.StatusCode)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, store.Bulks(), 3)
}

func TestSenderRetryBackoffCapped(t *testing.T) {
	store := flowshippertest.NewMockStore(t)
	store.FailBulk(http.StatusServiceUnavailable, -1)
	target := store.TargetClient(t, "es")

	// Doubling a 1ms backoff 70 times would overflow time.Duration.
	const retries = 70
	sender := flowshipper.NewSender(flowshipper.SenderConfig{
		MaxRetries:      retries,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 2 * time.Millisecond,
	})
	res := sender.Send(context.Background(), target, "sflow-2024.03.15",
		newBulkBody(t, gzip.NoCompression, `{"a":1}`),
	)
	assert.True(t, res.Failed())
	assert.Equal(t, retries+1, res.Attempts)
	assert.Len(t, store.Bulks(), retries+1)
	// Every retry waited, including those past the point of overflow.
	assert.GreaterOrEqual(t, res.Took, retries*time.Millisecond)
	assert.Less(t, res.Took, 30*time.Second)
}

func TestSenderNoRetryOnClientError(t *testing.T) {
	store := flowshippertest.NewMockStore(t)
	store.FailBulk(http.StatusBadRequest, -1)
	target := store.TargetClient(t, "es")

	sender := flowshipper.NewSender(flowshipper.SenderConfig{
		MaxRetries:   5,
		RetryBackoff: time.Millisecond,
	})
	res := sender.Send(context.Background(), target, "sflow-2024.03.15",
		newBulkBody(t, gzip.NoCompression, `{"a":1}`),
	)
	assert.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
}

func TestSenderTimeout(t *testing.T) {
	blocked := make(chan struct{})
	client := &blockingStoreClient{release: blocked}
	defer close(blocked)

	sender := flowshipper.NewSender(flowshipper.SenderConfig{RequestTimeout: 20 * time.Millisecond})
	res := sender.Send(context.Background(),
		flowshipper.TargetClient{Target: flowshipper.Target{Name: "stalled", Host: "localhost"}, Client: client},
		"sflow-2024.03.15",
		newBulkBody(t, gzip.NoCompression, `{"a":1}`),
	)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, res.Took, 5*time.Second)
}

func TestSenderCanceledDuringBackoff(t *testing.T) {
	store := flowshippertest.NewMockStore(t)
	store.FailBulk(http.StatusServiceUnavailable, -1)
	target := store.TargetClient(t, "es")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	sender := flowshipper.NewSender(flowshipper.SenderConfig{
		MaxRetries:   10,
		RetryBackoff: time.Hour,
	})
	res := sender.Send(ctx, target, "sflow-2024.03.15", newBulkBody(t, gzip.NoCompression, `{"a":1}`))
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, res.Attempts)
}

// blockingStoreClient blocks bulk requests until the context is done or
// release is closed.
type blockingStoreClient struct {
	release chan struct{}
}

func (c *blockingStoreClient) PartitionExists(context.Context, string) (bool, error) {
	return true, nil
}

func (c *blockingStoreClient) CreatePartition(context.Context, string) error { return nil }

func (c *blockingStoreClient) ListPartitions(context.Context) ([]string, error) { return nil, nil }

func (c *blockingStoreClient) DeletePartition(context.Context, string) error { return nil }

func (c *blockingStoreClient) Bulk(ctx context.Context, _ string, _ flowshipper.BulkBody) (flowshipper.BulkResponseStat, error) {
	select {
	case <-ctx.Done():
		return flowshipper.BulkResponseStat{}, ctx.Err()
	case <-c.release:
		return flowshipper.BulkResponseStat{}, errors.New("released")
	}
}
