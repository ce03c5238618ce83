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
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-flowshipper"
	"github.com/elastic/go-flowshipper/flowshippertest"
)

func TestEnsurePartition(t *testing.T) {
	store := flowshippertest.NewMockStore(t)
	client := store.TargetClient(t, "es").Client
	manager := flowshipper.NewPartitionManager("sflow-", time.Second)

	created, err := manager.EnsurePartition(context.Background(), client, "sflow-2024.03.15")
	require.NoError(t, err)
	assert.True(t, created)

	// A second call finds the partition and issues no create request.
	created, err = manager.EnsurePartition(context.Background(), client, "sflow-2024.03.15")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, store.CountRequests(http.MethodPut, "/sflow-2024.03.15"))
	assert.Equal(t, []string{"sflow-2024.03.15"}, store.Partitions())
}

func TestEnsurePartitionCreateRace(t *testing.T) {
	store := flowshippertest.NewMockStore(t)
	store.RaceCreate()
	client := store.TargetClient(t, "es").Client
	manager := flowshipper.NewPartitionManager("sflow-", time.Second)

	created, err := manager.EnsurePartition(context.Background(), client, "sflow-2024.03.15")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []string{"sflow-2024.03.15"}, store.Partitions())
}

func TestEnsurePartitionError(t *testing.T) {
	store := flowshippertest.NewMockStore(t)
	store.FailCreate(http.StatusForbidden)
	client := store.TargetClient(t, "es").Client
	manager := flowshipper.NewPartitionManager("sflow-", time.Second)

	created, err := manager.EnsurePartition(context.Background(), client, "sflow-2024.03.15")
	assert.Error(t, err)
	assert.False(t, created)
}

func TestPurgeExpired(t *testing.T) {
	now := time.Date(2024, time.March, 21, 8, 30, 0, 0, time.UTC)
	day := func(offset int) string {
		return flowshipper.PartitionName("sflow-", now.AddDate(0, 0, -offset))
	}
	store := flowshippertest.NewMockStore(t,
		day(20), day(10), day(9), day(8), day(1), day(0),
		"sflow-backup", "logs-2020.01.01", ".kibana",
	)
	client := store.TargetClient(t, "es").Client
	manager := flowshipper.NewPartitionManager("sflow-", time.Second)

	result, err := manager.PurgeExpired(context.Background(), client, now, 9)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{day(20), day(10), day(9)}, result.Deleted)
	assert.ElementsMatch(t, []string{day(8), day(1), day(0)}, result.Retained)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "sflow-backup", result.Skipped[0].Name)
	assert.Empty(t, result.Failed)

	assert.Equal(t, []string{
		".kibana", "logs-2020.01.01", "sflow-2024.03.13",
		"sflow-2024.03.20", "sflow-2024.03.21", "sflow-backup",
	}, store.Partitions())
}

func TestPurgeExpiredCutoffKeepsTimeOfDay(t *testing.T) {
	manager := flowshipper.NewPartitionManager("sflow-", time.Second)
	for name, tc := range map[string]struct {
		now     time.Time
		deleted bool
	}{
		"midnight":         {now: time.Date(2024, time.March, 21, 0, 0, 0, 0, time.UTC)},
		"after midnight":   {now: time.Date(2024, time.March, 21, 0, 0, 1, 0, time.UTC), deleted: true},
		"end of day":       {now: time.Date(2024, time.March, 21, 23, 59, 59, 0, time.UTC), deleted: true},
		"non-UTC location": {now: time.Date(2024, time.March, 21, 9, 30, 0, 0, time.FixedZone("CET", 3600)), deleted: true},
	} {
		t.Run(name, func(t *testing.T) {
			store := flowshippertest.NewMockStore(t, "sflow-2024.03.12")
			client := store.TargetClient(t, "es").Client

			result, err := manager.PurgeExpired(context.Background(), client, tc.now, 9)
			require.NoError(t, err)
			if tc.deleted {
				assert.Equal(t, []string{"sflow-2024.03.12"}, result.Deleted)
				assert.Empty(t, store.Partitions())
			} else {
				assert.Equal(t, []string{"sflow-2024.03.12"}, result.Retained)
				assert.Equal(t, []string{"sflow-2024.03.12"}, store.Partitions())
			}
		})
	}
}

func TestPurgeExpiredContinuesAfterFailure(t *testing.T) {
	now := time.Date(2024, time.March, 21, 0, 0, 0, 0, time.UTC)
	store := flowshippertest.NewMockStore(t, "sflow-2024.01.01", "sflow-2024.01.02", "sflow-2024.01.03")
	store.FailDelete("sflow-2024.01.02", http.StatusInternalServerError)
	client := store.TargetClient(t, "es").Client
	manager := flowshipper.NewPartitionManager("sflow-", time.Second)

	result, err := manager.PurgeExpired(context.Background(), client, now, 9)
	require.NoError(t, err)
	assert.Equal(t, []string{"sflow-2024.01.01", "sflow-2024.01.03"}, result.Deleted)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "sflow-2024.01.02", result.Failed[0].Name)
	assert.Equal(t, []string{"sflow-2024.01.02"}, store.Partitions())
}

func TestPurgeExpiredListError(t *testing.T) {
	store := flowshippertest.NewMockStore(t, "sflow-2024.01.01")
	store.FailList(http.StatusServiceUnavailable)
	client := store.TargetClient(t, "es").Client
	manager := flowshipper.NewPartitionManager("sflow-", time.Second)

	_, err := manager.PurgeExpired(context.Background(), client, time.Now(), 9)
	assert.Error(t, err)
	assert.Equal(t, []string{"sflow-2024.01.01"}, store.Partitions())
}

func TestPurgeExpiredDisabled(t *testing.T) {
	store := flowshippertest.NewMockStore(t, "sflow-2000.01.01")
	client := store.TargetClient(t, "es").Client
	manager := flowshipper.NewPartitionManager("sflow-", time.Second)

	for _, days := range []int{0, -1} {
		result, err := manager.PurgeExpired(context.Background(), client, time.Now(), days)
		require.NoError(t, err)
		assert.Empty(t, result.Deleted)
	}
	assert.Equal(t, []string{"sflow-2000.01.01"}, store.Partitions())
	assert.Zero(t, store.CountRequests(http.MethodGet, "/_cat/indices"))
}
