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
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/opensearch-project/opensearch-go/v2"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
)

// ErrPartitionExists is returned by StoreClient.CreatePartition when the
// partition was created by someone else between the existence check and
// the create request.
var ErrPartitionExists = errors.New("partition already exists")

const (
	createPartitionBody       = `{"settings":{},"mappings":{}}`
	resourceAlreadyExistsType = "resource_already_exists_exception"

	// maxErrorBodySize caps how much of an error response is kept.
	maxErrorBodySize = 64 * 1024
)

// StoreClient holds the document store operations used by the pipeline.
// Implementations must be safe for use by one goroutine at a time; the
// pipeline never shares a StoreClient across goroutines.
type StoreClient interface {
	// PartitionExists reports whether the named partition exists.
	PartitionExists(ctx context.Context, name string) (bool, error)

	// CreatePartition creates the named partition with empty settings and
	// mappings. It returns an error wrapping ErrPartitionExists if the
	// partition already exists.
	CreatePartition(ctx context.Context, name string) error

	// ListPartitions returns the names of all partitions in the store.
	ListPartitions(ctx context.Context) ([]string, error)

	// DeletePartition deletes the named partition.
	DeletePartition(ctx context.Context, name string) error

	// Bulk submits body as a single bulk request into partition.
	Bulk(ctx context.Context, partition string, body BulkBody) (BulkResponseStat, error)
}

// StoreError is returned when a store answers a request with an error
// status.
type StoreError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s failed: [%d] %s", e.Op, e.StatusCode, e.Body)
}

func (e *StoreError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func newStoreError(op string, res *esapi.Response) *StoreError {
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
	return &StoreError{
		Op:         op,
		StatusCode: res.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// BulkResponseItem represents a failed item of a bulk response.
type BulkResponseItem struct {
	Index  string `json:"_index"`
	Status int    `json:"status"`

	Position int `json:"-"`

	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// BulkResponseStat summarizes a successful bulk response.
type BulkResponseStat struct {
	Indexed    int64
	FailedDocs []BulkResponseItem
}

// NewStoreClient returns a StoreClient for t, backed by the go-elasticsearch
// client for Elasticsearch targets and the opensearch-go client for
// Opensearch targets.
func NewStoreClient(t Target, cfg Config) (StoreClient, error) {
	t = t.withDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	rt := newRoundTripper(t)
	if cfg.Tracer != nil {
		rt = apmelasticsearch.WrapRoundTripper(rt)
	}

	var transport elastictransport.Interface
	switch t.Flavor {
	case FlavorOpensearch:
		client, err := opensearch.NewClient(opensearch.Config{
			Addresses:    []string{t.URL()},
			Username:     t.Username,
			Password:     t.Password,
			Transport:    rt,
			DisableRetry: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create opensearch client for %s: %w", t, err)
		}
		transport = client
	default:
		client, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses:    []string{t.URL()},
			Username:     t.Username,
			Password:     t.Password,
			Transport:    rt,
			DisableRetry: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create elasticsearch client for %s: %w", t, err)
		}
		transport = client
	}
	return NewStoreClientWithTransport(transport), nil
}

// NewStoreClientWithTransport returns a StoreClient issuing requests through
// transport, which may be any go-elasticsearch or opensearch-go client.
func NewStoreClientWithTransport(transport elastictransport.Interface) StoreClient {
	return &storeClient{transport: transport}
}

func newRoundTripper(t Target) http.RoundTripper {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if t.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return tr
}

type storeClient struct {
	transport elastictransport.Interface
}

func (c *storeClient) PartitionExists(ctx context.Context, name string) (bool, error) {
	res, err := esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, c.transport)
	if err != nil {
		return false, fmt.Errorf("failed to check partition %s: %w", name, err)
	}
	defer closeResponse(res)
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, newStoreError("exists "+name, res)
}

func (c *storeClient) CreatePartition(ctx context.Context, name string) error {
	res, err := esapi.IndicesCreateRequest{
		Index: name,
		Body:  strings.NewReader(createPartitionBody),
	}.Do(ctx, c.transport)
	if err != nil {
		return fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	defer closeResponse(res)
	if !res.IsError() {
		return nil
	}
	serr := newStoreError("create "+name, res)
	if jsoniter.Get([]byte(serr.Body), "error", "type").ToString() == resourceAlreadyExistsType {
		return fmt.Errorf("%w: %s", ErrPartitionExists, name)
	}
	return serr
}

// ListPartitions reads the _cat/indices text table. Rows hold whitespace
// separated columns, the third of which is the index name.
func (c *storeClient) ListPartitions(ctx context.Context) ([]string, error) {
	res, err := esapi.CatIndicesRequest{S: []string{"index"}}.Do(ctx, c.transport)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer closeResponse(res)
	if res.IsError() {
		return nil, newStoreError("list partitions", res)
	}
	var names []string
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		columns := strings.Fields(scanner.Text())
		if len(columns) < 3 {
			continue
		}
		names = append(names, columns[2])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read partition list: %w", err)
	}
	return names, nil
}

func (c *storeClient) DeletePartition(ctx context.Context, name string) error {
	res, err := esapi.IndicesDeleteRequest{Index: []string{name}}.Do(ctx, c.transport)
	if err != nil {
		return fmt.Errorf("failed to delete partition %s: %w", name, err)
	}
	defer closeResponse(res)
	if res.IsError() {
		return newStoreError("delete "+name, res)
	}
	return nil
}

func (c *storeClient) Bulk(ctx context.Context, partition string, body BulkBody) (BulkResponseStat, error) {
	req := esapi.BulkRequest{
		Index:  partition,
		Body:   bytes.NewReader(body.Bytes()),
		Header: make(http.Header),
		FilterPath: []string{
			"items.*._index", "items.*.status", "items.*.error.type", "items.*.error.reason",
		},
	}
	if body.Compressed() {
		req.Header.Set("Content-Encoding", "gzip")
	}
	res, err := req.Do(ctx, c.transport)
	if err != nil {
		return BulkResponseStat{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer closeResponse(res)
	if res.IsError() {
		return BulkResponseStat{}, newStoreError("bulk", res)
	}
	return decodeBulkResponse(res.Body, body.Items()), nil
}

// decodeBulkResponse counts indexed and failed items. A response that cannot
// be decoded is taken as fully indexed, since the store accepted the request.
func decodeBulkResponse(r io.Reader, items int) BulkResponseStat {
	var resp struct {
		Items []map[string]BulkResponseItem `json:"items"`
	}
	if err := jsoniter.NewDecoder(r).Decode(&resp); err != nil || resp.Items == nil {
		return BulkResponseStat{Indexed: int64(items)}
	}
	var stat BulkResponseStat
	for i, actions := range resp.Items {
		for _, item := range actions {
			item.Position = i
			if item.Error.Type != "" || item.Status > 201 {
				stat.FailedDocs = append(stat.FailedDocs, item)
			} else {
				stat.Indexed++
			}
		}
	}
	return stat
}

func closeResponse(res *esapi.Response) {
	if res.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	res.Body.Close()
}
