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

// Package flowshippertest provides an in-memory document store, served over
// HTTP, for testing code that uses flowshipper.
package flowshippertest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/elastic/go-flowshipper"
)

// TimestampFormat holds the layout of the @timestamp field written with the
// default second precision.
const TimestampFormat = "2006-01-02T15:04:05Z"

// Request records the method and path of a request received by MockStore.
type Request struct {
	Method string
	Path   string
}

// BulkRequest records a bulk request received by MockStore.
type BulkRequest struct {
	Partition       string
	ContentEncoding string
	Documents       [][]byte
}

// MockStore is an httptest.Server answering the partition management and
// bulk endpoints of Elasticsearch and Opensearch. Partitions are held in
// memory; bulk requests into a missing partition create it, as the real
// stores do.
//
// Failures can be injected per endpoint. MockStore is safe for concurrent
// use.
type MockStore struct {
	server *httptest.Server

	mu         sync.Mutex
	partitions map[string][][]byte
	requests   []Request
	bulks      []BulkRequest

	bulkStatus     int
	bulkFailures   int
	itemStatus     map[int]int
	createRace     bool
	createStatus   int
	existsStatus   int
	listStatus     int
	deleteStatuses map[string]int
}

// NewMockStore starts a MockStore holding partitions. The server is closed
// via t.Cleanup.
func NewMockStore(t testing.TB, partitions ...string) *MockStore {
	s := &MockStore{
		partitions:     make(map[string][][]byte),
		itemStatus:     make(map[int]int),
		deleteStatuses: make(map[string]int),
	}
	for _, name := range partitions {
		s.partitions[name] = nil
	}
	s.server = httptest.NewServer(s)
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the base URL of the server.
func (s *MockStore) URL() string {
	return s.server.URL
}

// Target returns an Elasticsearch flowshipper.Target pointing at the server.
func (s *MockStore) Target(t testing.TB) flowshipper.Target {
	u, err := url.Parse(s.server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return flowshipper.Target{
		Host:   u.Hostname(),
		Port:   port,
		Scheme: u.Scheme,
		Flavor: flowshipper.FlavorElasticsearch,
	}
}

// TargetClient returns a flowshipper.TargetClient for the server, named name.
func (s *MockStore) TargetClient(t testing.TB, name string) flowshipper.TargetClient {
	target := s.Target(t)
	target.Name = name
	client, err := flowshipper.NewStoreClient(target, flowshipper.Config{})
	require.NoError(t, err)
	return flowshipper.TargetClient{Target: target, Client: client}
}

// FailBulk answers the next n bulk requests with status. A negative n fails
// every bulk request.
func (s *MockStore) FailBulk(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkStatus = status
	s.bulkFailures = n
}

// FailItems marks the documents at the given positions of every bulk request
// as failed with status.
func (s *MockStore) FailItems(status int, positions ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pos := range positions {
		s.itemStatus[pos] = status
	}
}

// RaceCreate makes partition creation fail as if another writer created the
// partition first. The partition exists afterwards.
func (s *MockStore) RaceCreate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createRace = true
}

// FailCreate answers partition creation with status.
func (s *MockStore) FailCreate(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createStatus = status
}

// FailExists answers partition existence checks with status.
func (s *MockStore) FailExists(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsStatus = status
}

// FailList answers partition listing with status.
func (s *MockStore) FailList(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listStatus = status
}

// FailDelete answers deletion of the named partition with status.
func (s *MockStore) FailDelete(name string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteStatuses[name] = status
}

// Partitions returns the names of existing partitions, sorted.
func (s *MockStore) Partitions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Documents returns the documents indexed into the named partition.
func (s *MockStore) Documents(name string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.partitions[name])
}

// Bulks returns the bulk requests received, including failed ones.
func (s *MockStore) Bulks() []BulkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.bulks)
}

// Requests returns every request received.
func (s *MockStore) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// CountRequests returns the number of requests received with method whose
// path ends with suffix.
func (s *MockStore) CountRequests(method, suffix string) int {
	var n int
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasSuffix(r.Path, suffix) {
			n++
		}
	}
	return n
}

func (s *MockStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Satisfy the go-elasticsearch product check.
	w.Header().Set("X-Elastic-Product", "Elasticsearch")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path})

	path := strings.Trim(r.URL.Path, "/")
	switch {
	case path == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"version": map[string]any{"number": "2.11.0", "distribution": "opensearch"},
			"tagline": "The OpenSearch Project: https://opensearch.org/",
		})
	case path == "_cat/indices" && r.Method == http.MethodGet:
		s.handleList(w)
	case strings.HasSuffix(path, "/_bulk") && r.Method == http.MethodPost:
		s.handleBulk(w, r, strings.TrimSuffix(path, "/_bulk"))
	case path != "" && !strings.ContainsAny(path, "/,"):
		s.handlePartition(w, r, path)
	default:
		writeError(w, http.StatusNotFound, "illegal_argument_exception", "unhandled request "+r.Method+" "+r.URL.Path)
	}
}

func (s *MockStore) handleList(w http.ResponseWriter) {
	if s.listStatus != 0 {
		writeError(w, s.listStatus, "mock_exception", "listing failed")
		return
	}
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	slices.Sort(names)
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	for _, name := range names {
		docs := len(s.partitions[name])
		fmt.Fprintf(w, "green open %s %s 1 1 %d 0 %db %db\n", name, uuidFor(name), docs, docs*208, docs*104)
	}
}

func (s *MockStore) handlePartition(w http.ResponseWriter, r *http.Request, name string) {
	_, exists := s.partitions[name]
	switch r.Method {
	case http.MethodHead:
		switch {
		case s.existsStatus != 0:
			w.WriteHeader(s.existsStatus)
		case exists:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodPut:
		switch {
		case s.createStatus != 0:
			writeError(w, s.createStatus, "mock_exception", "create failed")
		case exists || s.createRace:
			if !exists {
				s.partitions[name] = nil
			}
			writeError(w, http.StatusBadRequest, "resource_already_exists_exception",
				fmt.Sprintf("index [%s/%s] already exists", name, uuidFor(name)))
		default:
			s.partitions[name] = nil
			writeJSON(w, http.StatusOK, map[string]any{
				"acknowledged": true, "shards_acknowledged": true, "index": name,
			})
		}
	case http.MethodDelete:
		if status := s.deleteStatuses[name]; status != 0 {
			writeError(w, status, "mock_exception", "delete failed")
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]")
			return
		}
		delete(s.partitions, name)
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "illegal_argument_exception", "method not allowed")
	}
}

func (s *MockStore) handleBulk(w http.ResponseWriter, r *http.Request, partition string) {
	docs, result := DecodeBulkRequest(r)
	s.bulks = append(s.bulks, BulkRequest{
		Partition:       partition,
		ContentEncoding: r.Header.Get("Content-Encoding"),
		Documents:       docs,
	})
	if s.bulkFailures != 0 {
		if s.bulkFailures > 0 {
			s.bulkFailures--
		}
		writeError(w, s.bulkStatus, "mock_exception", "bulk request rejected")
		return
	}
	for i := range result.Items {
		for action, item := range result.Items[i] {
			item.Index = partition
			if status, ok := s.itemStatus[i]; ok {
				result.HasErrors = true
				item.Status = status
				item.Error.Type = "mapper_parsing_exception"
				item.Error.Reason = "failed to parse"
			} else {
				s.partitions[partition] = append(s.partitions[partition], docs[i])
			}
			result.Items[i][action] = item
		}
	}
	if _, ok := s.partitions[partition]; !ok {
		s.partitions[partition] = nil
	}
	writeJSON(w, http.StatusOK, result)
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded documents and a response body.
func DecodeBulkRequest(r *http.Request) ([][]byte, esutil.BulkIndexerResponse) {
	var body io.Reader = r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var indexed [][]byte
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		action := make(map[string]interface{})
		if err := json.NewDecoder(strings.NewReader(scanner.Text())).Decode(&action); err != nil {
			panic(err)
		}
		var actionType string
		for actionType = range action {
		}
		if !scanner.Scan() {
			panic("expected source")
		}

		doc := append([]byte{}, scanner.Bytes()...)
		if !json.Valid(doc) {
			panic(fmt.Errorf("invalid JSON: %s", doc))
		}
		indexed = append(indexed, doc)

		item := esutil.BulkIndexerResponseItem{Status: http.StatusCreated}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{actionType: item})
	}
	return indexed, result
}

// AssertOTelMetrics calls assertFn for every metric in ms, failing the test
// if a metric name is reported twice.
func AssertOTelMetrics(t testing.TB, ms []metricdata.Metrics, assertFn func(m metricdata.Metrics)) {
	t.Helper()
	seen := make(map[string]bool, len(ms))
	for _, m := range ms {
		require.False(t, seen[m.Name], "metric %s reported twice", m.Name)
		seen[m.Name] = true
		assertFn(m)
	}
}

// SumInt64 returns the sum of the data points of the named int64 counter
// holding all of attrs.
func SumInt64(t testing.TB, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if hasAttributes(dp.Attributes, attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func hasAttributes(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, kv := range attrs {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

func uuidFor(name string) string {
	return fmt.Sprintf("%022x", len(name))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, reason string) {
	writeJSON(w, status, map[string]any{
		"error":  map[string]any{"type": errType, "reason": reason},
		"status": status,
	})
}
