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
	"bytes"
	"errors"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
)

// indexAction is the bulk action line preceding every document. The target
// partition is given by the request path.
const indexAction = `{"index":{}}`

// Batch accumulates documents in the bulk wire format: one action line and
// one document line per record, each terminated by a newline.
//
// A Batch is not safe for concurrent use.
type Batch struct {
	maxRecords       int
	flushBytes       int
	compressionLevel int

	itemsAdded int
	jsonw      fastjson.Writer
}

// BatchConfig holds configuration for Batch.
type BatchConfig struct {
	// MaxRecords holds the number of records at which the batch is ready to
	// be flushed.
	MaxRecords int

	// FlushBytes holds an optional size in bytes at which the batch is ready
	// to be flushed, regardless of MaxRecords.
	FlushBytes int

	// CompressionLevel holds the gzip compression level applied to bodies
	// returned by Take.
	CompressionLevel int
}

// NewBatch returns an empty Batch.
func NewBatch(cfg BatchConfig) (*Batch, error) {
	if cfg.MaxRecords <= 0 {
		return nil, fmt.Errorf("expected MaxRecords > 0, got %d", cfg.MaxRecords)
	}
	if cfg.CompressionLevel < gzip.DefaultCompression || cfg.CompressionLevel > gzip.BestCompression {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	return &Batch{
		maxRecords:       cfg.MaxRecords,
		flushBytes:       cfg.FlushBytes,
		compressionLevel: cfg.CompressionLevel,
	}, nil
}

// Len returns the number of buffered records.
func (b *Batch) Len() int {
	return b.itemsAdded
}

// Size returns the number of buffered bytes.
func (b *Batch) Size() int {
	return b.jsonw.Size()
}

// Add encodes doc into the batch. It returns true when the batch reached its
// flush threshold; the caller is then expected to call Take.
func (b *Batch) Add(doc *Document) (bool, error) {
	if doc == nil {
		return false, errors.New("missing document")
	}
	size := b.jsonw.Size()
	b.jsonw.RawString(indexAction)
	b.jsonw.RawByte('\n')
	if err := doc.MarshalFastJSON(&b.jsonw); err != nil {
		b.jsonw.Rewind(size)
		return false, fmt.Errorf("failed to encode document: %w", err)
	}
	b.jsonw.RawByte('\n')
	b.itemsAdded++
	return b.ready(), nil
}

func (b *Batch) ready() bool {
	if b.itemsAdded >= b.maxRecords {
		return true
	}
	return b.flushBytes > 0 && b.jsonw.Size() >= b.flushBytes
}

// Take returns the buffered records as a bulk request body and empties the
// batch. The returned body does not share memory with the batch.
func (b *Batch) Take() (BulkBody, error) {
	defer b.reset()
	body := BulkBody{
		items:        b.itemsAdded,
		uncompressed: b.jsonw.Size(),
	}
	if b.compressionLevel == gzip.NoCompression {
		body.data = append([]byte(nil), b.jsonw.Bytes()...)
		return body, nil
	}
	var buf bytes.Buffer
	gzipw, err := gzip.NewWriterLevel(&buf, b.compressionLevel)
	if err != nil {
		return BulkBody{}, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := gzipw.Write(b.jsonw.Bytes()); err != nil {
		return BulkBody{}, fmt.Errorf("failed to compress bulk body: %w", err)
	}
	if err := gzipw.Close(); err != nil {
		return BulkBody{}, fmt.Errorf("failed closing the gzip writer: %w", err)
	}
	body.data = buf.Bytes()
	body.gzipped = true
	return body, nil
}

func (b *Batch) reset() {
	b.itemsAdded = 0
	b.jsonw.Reset()
}

// BulkBody is an encoded bulk request body. It is immutable and may be sent
// to any number of targets.
type BulkBody struct {
	data         []byte
	items        int
	uncompressed int
	gzipped      bool
}

// Bytes returns the encoded body. The returned slice must not be modified.
func (b BulkBody) Bytes() []byte {
	return b.data
}

// Items returns the number of records in the body.
func (b BulkBody) Items() int {
	return b.items
}

// Len returns the size of the body in bytes, as sent.
func (b BulkBody) Len() int {
	return len(b.data)
}

// UncompressedLen returns the size of the body before compression.
func (b BulkBody) UncompressedLen() int {
	return b.uncompressed
}

// Compressed reports whether the body is gzip encoded.
func (b BulkBody) Compressed() bool {
	return b.gzipped
}
