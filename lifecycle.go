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
	"fmt"
	"strings"
	"time"
)

// PartitionManager creates partitions before they are written to, and
// deletes partitions older than the retention window.
type PartitionManager struct {
	prefix         string
	requestTimeout time.Duration
}

// NewPartitionManager returns a PartitionManager for partitions named with
// prefix. Each store request is bounded by requestTimeout, if positive.
func NewPartitionManager(prefix string, requestTimeout time.Duration) *PartitionManager {
	return &PartitionManager{prefix: prefix, requestTimeout: requestTimeout}
}

// EnsurePartition creates the named partition if it does not exist yet. It
// reports whether this call created it.
//
// Losing a creation race to another writer is not an error: the partition
// exists either way.
func (m *PartitionManager) EnsurePartition(ctx context.Context, client StoreClient, name string) (bool, error) {
	exists, err := withTimeout(ctx, m.requestTimeout, func(ctx context.Context) (bool, error) {
		return client.PartitionExists(ctx, name)
	})
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	_, err = withTimeout(ctx, m.requestTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, client.CreatePartition(ctx, name)
	})
	switch {
	case errors.Is(err, ErrPartitionExists):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// PartitionError pairs a partition name with the error that prevented it
// from being handled.
type PartitionError struct {
	Name string
	Err  error
}

func (e PartitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Err)
}

// PurgeResult holds the outcome of PurgeExpired.
type PurgeResult struct {
	// Deleted holds the partitions that were deleted.
	Deleted []string

	// Retained holds the partitions within the retention window.
	Retained []string

	// Skipped holds partitions matching the prefix whose date could not
	// be parsed. They are never deleted.
	Skipped []PartitionError

	// Failed holds expired partitions whose deletion failed.
	Failed []PartitionError
}

// PurgeExpired deletes every partition whose date, taken as midnight UTC,
// lies strictly before now minus retentionDays. With a retention of 9 days
// evaluated on day D after midnight, partitions of day D-9 and earlier are
// deleted and D-8 and later are kept.
//
// Partitions are handled independently: a failed deletion or unparseable name
// is recorded and the sweep continues. An error is returned only when the
// partitions cannot be listed. A non-positive retentionDays disables
// deletion.
func (m *PartitionManager) PurgeExpired(
	ctx context.Context,
	client StoreClient,
	now time.Time,
	retentionDays int,
) (PurgeResult, error) {
	var result PurgeResult
	if retentionDays <= 0 {
		return result, nil
	}
	names, err := withTimeout(ctx, m.requestTimeout, client.ListPartitions)
	if err != nil {
		return result, err
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	for _, name := range names {
		if !strings.HasPrefix(name, m.prefix) {
			continue
		}
		date, err := PartitionDate(m.prefix, name)
		if err != nil {
			result.Skipped = append(result.Skipped, PartitionError{Name: name, Err: err})
			continue
		}
		if !date.Before(cutoff) {
			result.Retained = append(result.Retained, name)
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, PartitionError{Name: name, Err: err})
			continue
		}
		_, err = withTimeout(ctx, m.requestTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, client.DeletePartition(ctx, name)
		})
		if err != nil {
			result.Failed = append(result.Failed, PartitionError{Name: name, Err: err})
			continue
		}
		result.Deleted = append(result.Deleted, name)
	}
	return result, nil
}

// withTimeout calls f with ctx bounded by timeout, if positive.
func withTimeout[T any](ctx context.Context, timeout time.Duration, f func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f(ctx)
}
