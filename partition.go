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
	"fmt"
	"strings"
	"time"
)

// DefaultPartitionPrefix is the prefix of partition names, followed by the
// partition date.
const DefaultPartitionPrefix = "sflow-"

const partitionDateLayout = "2006.01.02"

// PartitionName returns the name of the daily partition holding t, e.g.
// "sflow-2024.03.15". Names sort lexicographically in date order.
func PartitionName(prefix string, t time.Time) string {
	return prefix + t.UTC().Format(partitionDateLayout)
}

// PartitionDate parses the date out of a partition name created by
// PartitionName. The returned time is midnight UTC of that day.
func PartitionDate(prefix, name string) (time.Time, error) {
	suffix, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return time.Time{}, fmt.Errorf("partition %q does not start with %q", name, prefix)
	}
	date, err := time.Parse(partitionDateLayout, suffix)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date from partition %q: %w", name, err)
	}
	return date, nil
}
