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

// Package config loads flowshipper settings from a YAML file and
// FLOWSHIPPER_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/elastic/go-flowshipper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FLOWSHIPPER_"

const (
	PrecisionSecond = "second"
	PrecisionMinute = "minute"
)

// Config represents the root configuration structure
type Config struct {
	Targets []Target `yaml:"targets"`

	BulkSize         int               `yaml:"bulk_size"`
	FlushBytes       datasize.ByteSize `yaml:"flush_bytes"`
	CompressionLevel int               `yaml:"compression_level"`

	// RetentionDays holds the number of days partitions are kept. Zero or
	// a negative value disables deletion.
	RetentionDays   int    `yaml:"retention_days"`
	PartitionPrefix string `yaml:"partition_prefix"`

	Pseudonymize bool   `yaml:"pseudonymize"`
	Salt         string `yaml:"salt"`

	// TimestampPrecision is either "second" or "minute".
	TimestampPrecision string `yaml:"timestamp_precision"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	Concurrent     bool          `yaml:"concurrent"`

	// Strict makes the process exit with a failure status when any bulk
	// request or document failed.
	Strict   bool   `yaml:"strict"`
	LogLevel string `yaml:"log_level"`
}

// Target represents a document store in the configuration. Either URL or
// Host must be set; fields set alongside URL override the URL's parts.
type Target struct {
	Name               string `yaml:"name"`
	URL                string `yaml:"url"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Scheme             string `yaml:"scheme"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	Flavor             string `yaml:"flavor"`
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	return &Config{
		BulkSize:           flowshipper.DefaultBulkSize,
		RetentionDays:      flowshipper.DefaultRetentionDays,
		PartitionPrefix:    flowshipper.DefaultPartitionPrefix,
		TimestampPrecision: PrecisionSecond,
		RequestTimeout:     flowshipper.DefaultRequestTimeout,
		RetryBackoff:       time.Second,
		LogLevel:           "info",
	}
}

// Load returns the default configuration overlaid with the YAML file at
// path, if path is not empty, and then with environment variables found
// through lookupEnv. A nil lookupEnv uses os.LookupEnv.
func Load(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides settings with FLOWSHIPPER_* variables. FLOWSHIPPER_TARGETS
// holds comma separated target URLs and replaces the configured targets.
func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookupEnv(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	if v, ok := lookupEnv(EnvPrefix + "TARGETS"); ok {
		c.Targets = nil
		for _, raw := range strings.Split(v, ",") {
			if raw = strings.TrimSpace(raw); raw != "" {
				c.Targets = append(c.Targets, Target{URL: raw})
			}
		}
	}
	integer("BULK_SIZE", &c.BulkSize)
	if v, ok := lookupEnv(EnvPrefix + "FLUSH_BYTES"); ok {
		if err := c.FlushBytes.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
			errs = append(errs, fmt.Errorf("%sFLUSH_BYTES: %w", EnvPrefix, err))
		}
	}
	integer("COMPRESSION_LEVEL", &c.CompressionLevel)
	integer("RETENTION_DAYS", &c.RetentionDays)
	str("PARTITION_PREFIX", &c.PartitionPrefix)
	boolean("PSEUDONYMIZE", &c.Pseudonymize)
	str("SALT", &c.Salt)
	str("TIMESTAMP_PRECISION", &c.TimestampPrecision)
	duration("REQUEST_TIMEOUT", &c.RequestTimeout)
	integer("MAX_RETRIES", &c.MaxRetries)
	duration("RETRY_BACKOFF", &c.RetryBackoff)
	boolean("CONCURRENT", &c.Concurrent)
	boolean("STRICT", &c.Strict)
	str("LOG_LEVEL", &c.LogLevel)
	return errors.Join(errs...)
}

// Validate returns every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.BulkSize <= 0 {
		errs = append(errs, fmt.Errorf("bulk_size must be positive, got %d", c.BulkSize))
	}
	if c.PartitionPrefix == "" {
		errs = append(errs, errors.New("partition_prefix must not be empty"))
	}
	if c.FlushBytes.Bytes() > uint64(maxInt) {
		errs = append(errs, fmt.Errorf("flush_bytes %s is too large", c.FlushBytes.HR()))
	}
	if _, err := c.precision(); err != nil {
		errs = append(errs, err)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout))
	}
	if _, err := c.ShipperTargets(); err != nil {
		errs = append(errs, err)
	}
	if err := c.shipperConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

const maxInt = int(^uint(0) >> 1)

func (c *Config) precision() (time.Duration, error) {
	switch strings.ToLower(c.TimestampPrecision) {
	case "", PrecisionSecond:
		return time.Second, nil
	case PrecisionMinute:
		return time.Minute, nil
	}
	return 0, fmt.Errorf("timestamp_precision must be %q or %q, got %q",
		PrecisionSecond, PrecisionMinute, c.TimestampPrecision)
}

// ToShipperConfig converts the configuration into a flowshipper.Config. The
// logger, tracers and meter provider are left for the caller to set.
func (c *Config) ToShipperConfig() (flowshipper.Config, error) {
	if err := c.Validate(); err != nil {
		return flowshipper.Config{}, err
	}
	return c.shipperConfig(), nil
}

func (c *Config) shipperConfig() flowshipper.Config {
	precision, _ := c.precision()
	retention := c.RetentionDays
	if retention <= 0 {
		retention = -1
	}
	return flowshipper.Config{
		BulkSize:           c.BulkSize,
		FlushBytes:         int(c.FlushBytes.Bytes()),
		CompressionLevel:   c.CompressionLevel,
		RetentionDays:      retention,
		PartitionPrefix:    c.PartitionPrefix,
		Pseudonymize:       c.Pseudonymize,
		Salt:               c.Salt,
		TimestampPrecision: precision,
		RequestTimeout:     c.RequestTimeout,
		MaxRetries:         c.MaxRetries,
		RetryBackoff:       c.RetryBackoff,
		ConcurrentFanOut:   c.Concurrent,
	}
}

// ShipperTargets converts the configured targets.
func (c *Config) ShipperTargets() ([]flowshipper.Target, error) {
	targets := make([]flowshipper.Target, 0, len(c.Targets))
	var errs []error
	for i, t := range c.Targets {
		target, err := t.toShipperTarget()
		if err != nil {
			errs = append(errs, fmt.Errorf("targets[%d]: %w", i, err))
			continue
		}
		targets = append(targets, target)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return targets, nil
}

func (t Target) toShipperTarget() (flowshipper.Target, error) {
	var target flowshipper.Target
	if t.URL != "" {
		parsed, err := flowshipper.ParseTarget(t.URL)
		if err != nil {
			return flowshipper.Target{}, err
		}
		target = parsed
	}
	if t.Host != "" {
		target.Host = t.Host
	}
	if t.Port != 0 {
		target.Port = t.Port
	}
	if t.Scheme != "" {
		target.Scheme = t.Scheme
	}
	if t.Username != "" {
		target.Username = t.Username
	}
	if t.Password != "" {
		target.Password = t.Password
	}
	if t.Flavor != "" {
		target.Flavor = flowshipper.Flavor(strings.ToLower(t.Flavor))
	}
	target.Name = t.Name
	target.InsecureSkipVerify = t.InsecureSkipVerify
	if err := target.Validate(); err != nil {
		return flowshipper.Target{}, err
	}
	return target, nil
}
