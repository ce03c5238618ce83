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
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elastic/go-flowshipper"
)

func BenchmarkPipeline(b *testing.B) {
	b.Run("NoCompression", func(b *testing.B) {
		benchmarkPipeline(b, flowshipper.Config{CompressionLevel: gzip.NoCompression})
	})
	b.Run("NoCompressionPseudonymize", func(b *testing.B) {
		benchmarkPipeline(b, flowshipper.Config{
			CompressionLevel: gzip.NoCompression,
			Pseudonymize:     true,
		})
	})
	b.Run("BestSpeed", func(b *testing.B) {
		benchmarkPipeline(b, flowshipper.Config{CompressionLevel: gzip.BestSpeed})
	})
	b.Run("BestSpeedPseudonymize", func(b *testing.B) {
		benchmarkPipeline(b, flowshipper.Config{
			CompressionLevel: gzip.BestSpeed,
			Pseudonymize:     true,
		})
	})
	b.Run("DefaultCompression", func(b *testing.B) {
		benchmarkPipeline(b, flowshipper.Config{CompressionLevel: gzip.DefaultCompression})
	})
	b.Run("BestCompression", func(b *testing.B) {
		benchmarkPipeline(b, flowshipper.Config{CompressionLevel: gzip.BestCompression})
	})
}

func benchmarkPipeline(b *testing.B, cfg flowshipper.Config) {
	var indexed int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			w.Write([]byte("green open sflow-2024.03.15 x 1 1 0 0 0b 0b\n"))
		case http.MethodPost:
			// Skip decoding the body to avoid inflating allocations in
			// benchmark. Without an items array, every record counts as
			// indexed.
			w.Write([]byte(`{}`))
			atomic.AddInt64(&indexed, 1)
		}
	}))
	b.Cleanup(srv.Close)

	target, err := flowshipper.ParseTarget(srv.URL)
	require.NoError(b, err)
	cfg.Logger = zap.NewNop()
	cfg.Now = fixedNow
	p, err := flowshipper.NewFromTargets([]flowshipper.Target{target}, cfg)
	require.NoError(b, err)

	input := newFlowInput(b.N)
	b.SetBytes(int64(len(input)) / int64(b.N)) // bytes processed each iteration

	b.ResetTimer()
	result, err := p.Run(context.Background(), bytes.NewReader(input))
	require.NoError(b, err)
	b.StopTimer()
	if result.Documents != int64(b.N) {
		b.Fatalf("expected %d documents, got %d", b.N, result.Documents)
	}
	b.ReportMetric(float64(atomic.LoadInt64(&indexed)), "bulk_requests")
}

func BenchmarkParseDocument(b *testing.B) {
	line := newFlowInput(1)
	b.SetBytes(int64(len(line)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := flowshipper.ParseDocument(line); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPseudonymize(b *testing.B) {
	for _, ip := range []string{"192.168.10.20", "2001:db8:85a3::8a2e:370:7334"} {
		b.Run(ip, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				flowshipper.Pseudonymize(ip, "salt")
			}
		})
	}
}

// newFlowInput returns n pmacct-style flow records, one per line.
func newFlowInput(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		fmt.Fprintf(&buf,
			`{"event_type":"purge","ip_src":"10.%d.%d.%d","ip_dst":"192.0.2.%d","port_src":%d,"port_dst":443,"ip_proto":"tcp","packets":%d,"bytes":%s}`+"\n",
			(i>>16)&0xff, (i>>8)&0xff, i&0xff, i%254+1, 1024+i%60000, i%100+1, strconv.Itoa(i*1500),
		)
	}
	return buf.Bytes()
}
