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

// Package flowshipper ships newline-delimited JSON flow records, as produced
// by pmacct for sFlow/NetFlow accounting, into Elasticsearch or Opensearch.
//
// Records are indexed into daily partitions named "sflow-YYYY.MM.DD". A
// Pipeline creates the current partition on demand, deletes partitions that
// fall outside the retention window, optionally pseudonymizes the ip_src and
// ip_dst fields, and fans every bulk request out to all configured targets.
//
// Delivery is best-effort and at-least-once per batch: store errors are
// logged and counted, never fatal to the stream.
package flowshipper
