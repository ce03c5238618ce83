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
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// Flavor identifies the kind of document store behind a Target.
type Flavor string

const (
	// FlavorElasticsearch targets Elasticsearch through go-elasticsearch.
	FlavorElasticsearch Flavor = "elasticsearch"

	// FlavorOpensearch targets Opensearch through opensearch-go.
	FlavorOpensearch Flavor = "opensearch"
)

// DefaultPort is the port used by targets that do not set one.
const DefaultPort = 9200

// Target describes a document store endpoint.
type Target struct {
	// Name identifies the target in logs and metrics. If empty, host:port
	// is used.
	Name string

	Host string
	Port int

	// Scheme is either "http" or "https". If empty, Opensearch targets use
	// https and Elasticsearch targets use http.
	Scheme string

	Username string
	Password string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Flavor selects the client library. If empty, FlavorElasticsearch is
	// used.
	Flavor Flavor
}

// ParseTarget parses a target URL of the form
// scheme://[user:password@]host[:port].
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	raw = u.Redacted()
	if u.Host == "" {
		return Target{}, fmt.Errorf("invalid target %q: missing host", raw)
	}
	t := Target{Host: u.Hostname(), Scheme: u.Scheme}
	if port := u.Port(); port != "" {
		if t.Port, err = strconv.Atoi(port); err != nil {
			return Target{}, fmt.Errorf("invalid target %q: bad port: %w", raw, err)
		}
	}
	if u.User != nil {
		t.Username = u.User.Username()
		t.Password, _ = u.User.Password()
	}
	t = t.withDefaults()
	if err := t.Validate(); err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	return t, nil
}

func (t Target) withDefaults() Target {
	if t.Flavor == "" {
		t.Flavor = FlavorElasticsearch
	}
	if t.Port == 0 {
		t.Port = DefaultPort
	}
	if t.Scheme == "" {
		t.Scheme = "http"
		if t.Flavor == FlavorOpensearch {
			t.Scheme = "https"
		}
	}
	return t
}

// Validate returns an error if t cannot be connected to.
func (t Target) Validate() error {
	t = t.withDefaults()
	var errs []error
	if t.Host == "" {
		errs = append(errs, errors.New("target host is required"))
	}
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, fmt.Errorf("target port %d out of range", t.Port))
	}
	if t.Scheme != "http" && t.Scheme != "https" {
		errs = append(errs, fmt.Errorf("target scheme must be http or https, got %q", t.Scheme))
	}
	switch t.Flavor {
	case FlavorElasticsearch, FlavorOpensearch:
	default:
		errs = append(errs, fmt.Errorf("unknown target flavor %q", t.Flavor))
	}
	return errors.Join(errs...)
}

// URL returns the base URL of the target, {scheme}://{host}:{port}.
func (t Target) URL() string {
	t = t.withDefaults()
	return t.Scheme + "://" + net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// PartitionURL returns the URL of the named partition on the target.
func (t Target) PartitionURL(name string) string {
	return t.URL() + "/" + name
}

// String returns the target name.
func (t Target) String() string {
	if t.Name != "" {
		return t.Name
	}
	t = t.withDefaults()
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}
