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
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// initLinks remembers where Initialize was traced, per tracer, so that
// every flush of the run can link back to it.
type initLinks struct {
	apm  apm.TraceContext
	otel trace.SpanContext

	partition string
}

// apmLinks returns the span links for a flush transaction. It is empty
// unless Initialize ran under an APM transaction.
func (l initLinks) apmLinks() []apm.SpanLink {
	if l.apm.Trace.Validate() != nil {
		return nil
	}
	return []apm.SpanLink{{Trace: l.apm.Trace, Span: l.apm.Span}}
}

// otelLinks returns the links for a flush span. It is empty unless
// Initialize ran under a valid OTel span.
func (l initLinks) otelLinks() []trace.Link {
	if !l.otel.IsValid() {
		return nil
	}
	return []trace.Link{{
		SpanContext: l.otel,
		Attributes:  []attribute.KeyValue{attribute.String("partition", l.partition)},
	}}
}
