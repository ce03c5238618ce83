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
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
)

// InvalidIPPrefix prefixes the value returned by Pseudonymize for input that
// is not an IP address.
const InvalidIPPrefix = "Invalid IP: "

// Pseudonymize replaces an IPv4 or IPv6 address with a deterministic,
// salted pseudonym of the same address family.
//
// The pseudonym is derived from sha256(salt + ip): the first 4 digest bytes
// form an IPv4 address, the first 16 bytes an IPv6 address written as eight
// uncompressed hextets. The mapping is not reversible, but the IPv4 space is
// small enough to be enumerated by anyone who knows the salt.
//
// If ip cannot be parsed, the result is InvalidIPPrefix followed by ip. Use
// IsInvalidIP before treating the result as an address.
func Pseudonymize(ip, salt string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return InvalidIPPrefix + ip
	}
	sum := sha256.Sum256([]byte(salt + ip))
	if addr.Is4() {
		return netip.AddrFrom4([4]byte(sum[:4])).String()
	}
	var sb strings.Builder
	sb.Grow(39)
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(hex.EncodeToString(sum[i : i+2]))
	}
	return sb.String()
}

// IsInvalidIP reports whether s is the marker returned by Pseudonymize for
// unparseable input.
func IsInvalidIP(s string) bool {
	return strings.HasPrefix(s, InvalidIPPrefix)
}
