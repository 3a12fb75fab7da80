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

package docstream

import (
	"time"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultChunkSize is the number of operations sent per bulk request
// when LoaderConfig.ChunkSize is zero.
const DefaultChunkSize = 1000

// ScrollKeepAlive is how long Elasticsearch keeps a scroll cursor alive
// between two page requests.
const ScrollKeepAlive = 60 * time.Second

// LoaderConfig holds configuration for Loader.
type LoaderConfig struct {
	// Logger holds an optional Logger to use for logging load runs.
	//
	// Rejected bulk items are logged at error level.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer to use for tracing load runs.
	// Each run is traced as a transaction, each bulk request as a span.
	//
	// If Tracer is nil, runs will not be traced with APM.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. Each bulk
	// request is recorded as a span.
	//
	// If TracerProvider is nil, requests will not be traced with OTel.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to publish
	// run metrics.
	//
	// If unset, the global OTel MeterProvider will be used, if that is unset,
	// no metrics will be recorded.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// ChunkSize holds the maximum number of operations per bulk request.
	//
	// If ChunkSize is zero, DefaultChunkSize is used. Negative values are
	// rejected.
	ChunkSize int

	// DefaultIndex holds the index of operations that do not name one.
	DefaultIndex string

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string

	// Refresh holds the refresh policy for bulk requests: "true",
	// "false" or "wait_for".
	//
	// If Refresh is empty, the cluster default applies.
	Refresh string

	// FlushTimeout holds the timeout of a single bulk request. Hitting
	// it aborts the run.
	//
	// If FlushTimeout is zero, no timeout will be used.
	FlushTimeout time.Duration
}

// DefaultLoaderConfig returns cfg with defaults applied to unset fields.
func DefaultLoaderConfig(cfg LoaderConfig) LoaderConfig {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return cfg
}

// ExporterConfig holds configuration for Exporter.
type ExporterConfig struct {
	// Logger holds an optional Logger. Failures to release a scroll
	// cursor are logged at warn level.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer. Each export is traced as a
	// transaction, each page request as a span.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. Each page
	// request is recorded as a span.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to publish
	// run metrics.
	//
	// If unset, the global OTel MeterProvider will be used.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set

	// PageTimeout holds the timeout of a single search or scroll
	// request. Hitting it aborts the export.
	//
	// If PageTimeout is zero, no timeout will be used.
	PageTimeout time.Duration
}

// DefaultExporterConfig returns cfg with defaults applied to unset fields.
func DefaultExporterConfig(cfg ExporterConfig) ExporterConfig {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}
