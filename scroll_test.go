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

package docstream_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/v2/apmtest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/elastic/go-docstream"
	"github.com/elastic/go-docstream/docstreamtest"
)

func newExporter(t testing.TB, srv *docstreamtest.ScrollServer, cfg docstream.ExporterConfig) *docstream.Exporter {
	mux := http.NewServeMux()
	srv.Register(mux)
	exporter, err := docstream.NewExporter(docstreamtest.NewMockElasticsearchClientMux(t, mux), cfg)
	require.NoError(t, err)
	return exporter
}

func TestExporter(t *testing.T) {
	srv := docstreamtest.NewScrollServer(899)
	exporter := newExporter(t, srv, docstream.ExporterConfig{})

	var buf bytes.Buffer
	sink, err := docstream.NewWriterSink(&buf, docstream.FormatJSON, "memory://export")
	require.NoError(t, err)

	result, err := exporter.Export(context.Background(), docstream.SearchRequest{}, sink)
	require.NoError(t, err)
	assert.Equal(t, int64(899), result.Records)
	assert.Equal(t, "memory://export", result.Location)
	// The search and 89 scroll pages with hits. The terminating empty
	// page is not counted.
	assert.Equal(t, int64(90), result.Metrics.Requests)
	assert.Equal(t, 90*time.Millisecond, result.Metrics.Duration)
	assert.Equal(t, int64(899), result.Metrics.Records)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 899)
	for i, line := range lines {
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), line)
	}

	// Every page request used the cursor handed out by the previous page.
	scrollIDs := srv.ScrollIDs()
	require.Len(t, scrollIDs, 90)
	for i, id := range scrollIDs {
		assert.Equal(t, fmt.Sprintf("scroll-%d", i), id)
	}
	assert.Equal(t, []string{"scroll-90"}, srv.Cleared())
}

func TestExporterSearchRequest(t *testing.T) {
	srv := docstreamtest.NewScrollServer(5)
	exporter := newExporter(t, srv, docstream.ExporterConfig{})

	var buf bytes.Buffer
	sink, err := docstream.NewWriterSink(&buf, docstream.FormatJSON, "")
	require.NoError(t, err)
	result, err := exporter.Export(context.Background(), docstream.SearchRequest{
		Indices: []string{"logs-a", "logs-b"},
		Body:    []byte(`{"query":{"match_all":{}}}`),
		Routing: []string{"r1"},
		Size:    2,
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Records)

	searches := srv.Searches()
	require.Len(t, searches, 1)
	search := searches[0]
	assert.Equal(t, "/logs-a,logs-b/_search", search.Path)
	assert.Equal(t, "60000ms", search.Query.Get("scroll"))
	assert.Equal(t, "2", search.Query.Get("size"))
	assert.Equal(t, "r1", search.Query.Get("routing"))
	assert.JSONEq(t, `{"query":{"match_all":{}}}`, string(search.Body))

	// 3 pages with hits, then the empty page.
	assert.Len(t, srv.ScrollIDs(), 3)
	assert.Equal(t, []string{"scroll-3"}, srv.Cleared())
}

func TestExporterEmptyResult(t *testing.T) {
	srv := docstreamtest.NewScrollServer(0)
	exporter := newExporter(t, srv, docstream.ExporterConfig{})

	sink, err := docstream.NewWriterSink(io.Discard, docstream.FormatJSON, "")
	require.NoError(t, err)
	result, err := exporter.Export(context.Background(), docstream.SearchRequest{}, sink)
	require.NoError(t, err)
	assert.Zero(t, result.Records)
	assert.Equal(t, int64(1), result.Metrics.Requests)
	assert.Empty(t, srv.ScrollIDs())
	// The cursor of an empty first page is released too.
	assert.Equal(t, []string{"scroll-0"}, srv.Cleared())
}

func TestExporterPageError(t *testing.T) {
	srv := docstreamtest.NewScrollServer(100)
	srv.FailPage = 3
	exporter := newExporter(t, srv, docstream.ExporterConfig{})

	sink, err := docstream.NewWriterSink(io.Discard, docstream.FormatJSON, "")
	require.NoError(t, err)
	result, err := exporter.Export(context.Background(), docstream.SearchRequest{}, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scroll failed: request failed (500)")
	assert.Equal(t, int64(30), result.Records)
	assert.Equal(t, int64(3), result.Metrics.Requests)
	assert.Equal(t, []string{srv.LastScrollID()}, srv.Cleared())
	assert.Equal(t, "scroll-2", srv.LastScrollID())
}

func TestExporterSearchError(t *testing.T) {
	mux := http.NewServeMux()
	var cleared int
	docstreamtest.HandleSearch(mux, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"index_not_found_exception"}}`, http.StatusNotFound)
	})
	docstreamtest.HandleScroll(mux, func(w http.ResponseWriter, r *http.Request) {
		cleared++
	})
	exporter, err := docstream.NewExporter(docstreamtest.NewMockElasticsearchClientMux(t, mux), docstream.ExporterConfig{})
	require.NoError(t, err)

	sink, err := docstream.NewWriterSink(io.Discard, docstream.FormatJSON, "")
	require.NoError(t, err)
	result, err := exporter.Export(context.Background(), docstream.SearchRequest{Indices: []string{"missing"}}, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search failed: request failed (404)")
	assert.Zero(t, result.Metrics.Requests)
	// No cursor was handed out, so there is nothing to release.
	assert.Zero(t, cleared)
}

// failingSink fails the write of the hit at position failAt.
type failingSink struct {
	written int
	failAt  int
	flushed bool
}

var errSinkFull = errors.New("sink full")

func (s *failingSink) WriteHit(json.RawMessage) error {
	if s.written == s.failAt {
		return errSinkFull
	}
	s.written++
	return nil
}

func (s *failingSink) Flush() error {
	s.flushed = true
	return nil
}

func (s *failingSink) Location() string { return "failing" }

func TestExporterSinkError(t *testing.T) {
	srv := docstreamtest.NewScrollServer(50)
	exporter := newExporter(t, srv, docstream.ExporterConfig{})

	sink := &failingSink{failAt: 25}
	result, err := exporter.Export(context.Background(), docstream.SearchRequest{}, sink)
	assert.ErrorIs(t, err, errSinkFull)
	assert.Equal(t, int64(25), result.Records)
	assert.Equal(t, "failing", result.Location)
	assert.False(t, sink.flushed)
	assert.Len(t, srv.ScrollIDs(), 2)
	assert.Equal(t, []string{"scroll-2"}, srv.Cleared())
}

func TestExporterReleaseFailure(t *testing.T) {
	srv := docstreamtest.NewScrollServer(15)
	srv.FailClear = true
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	exporter := newExporter(t, srv, docstream.ExporterConfig{Logger: zap.New(core)})

	sink, err := docstream.NewWriterSink(io.Discard, docstream.FormatJSON, "")
	require.NoError(t, err)
	result, err := exporter.Export(context.Background(), docstream.SearchRequest{}, sink)
	require.NoError(t, err)
	assert.Equal(t, int64(15), result.Records)
	assert.Len(t, srv.Cleared(), 1)

	warnings := observed.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "failed to clear scroll", warnings[0].Message)
	assert.Equal(t, int64(http.StatusInternalServerError), warnings[0].ContextMap()["status"])
}

func TestExporterReleaseAfterCancel(t *testing.T) {
	srv := docstreamtest.NewScrollServer(30)
	exporter := newExporter(t, srv, docstream.ExporterConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &cancellingSink{cancel: cancel, after: 10}
	_, err := exporter.Export(ctx, docstream.SearchRequest{}, sink)
	assert.ErrorIs(t, err, context.Canceled)
	// The cursor is released even though the export context is done.
	assert.Equal(t, []string{"scroll-0"}, srv.Cleared())
}

// cancellingSink cancels the export after a number of hits.
type cancellingSink struct {
	cancel  context.CancelFunc
	after   int
	written int
}

func (s *cancellingSink) WriteHit(json.RawMessage) error {
	s.written++
	if s.written == s.after {
		s.cancel()
	}
	return nil
}

func (s *cancellingSink) Flush() error     { return nil }
func (s *cancellingSink) Location() string { return "" }

func TestExporterNilSink(t *testing.T) {
	exporter := newExporter(t, docstreamtest.NewScrollServer(1), docstream.ExporterConfig{})
	_, err := exporter.Export(context.Background(), docstream.SearchRequest{}, nil)
	assert.EqualError(t, err, "sink is nil")

	_, err = docstream.NewExporter(nil, docstream.ExporterConfig{})
	assert.EqualError(t, err, "client is nil")
}

func TestExporterMetrics(t *testing.T) {
	srv := docstreamtest.NewScrollServer(25)
	rdr := sdkmetric.NewManualReader()
	exporter := newExporter(t, srv, docstream.ExporterConfig{
		MeterProvider:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
		MetricAttributes: attribute.NewSet(attribute.String("job", "nightly")),
	})

	sink, err := docstream.NewWriterSink(io.Discard, docstream.FormatJSON, "")
	require.NoError(t, err)
	_, err = exporter.Export(context.Background(), docstream.SearchRequest{}, sink)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	// The fake reports took=1ms for the search and the 2 scroll pages
	// with hits; the final empty page is not counted.
	wantAttrs := attribute.NewSet(attribute.String("job", "nightly"), attribute.String("operation", "scroll"))
	assertRunMetrics(t, rm.ScopeMetrics[0], wantAttrs, 3, 25, 3*1e6)
}

func TestExporterTracing(t *testing.T) {
	srv := docstreamtest.NewScrollServer(15)
	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	exporter := newExporter(t, srv, docstream.ExporterConfig{
		Tracer:         tracer.Tracer,
		TracerProvider: tp,
	})
	sink, err := docstream.NewWriterSink(io.Discard, docstream.FormatJSON, "")
	require.NoError(t, err)
	_, err = exporter.Export(context.Background(), docstream.SearchRequest{}, sink)
	require.NoError(t, err)

	tracer.Flush(nil)
	payloads := tracer.Payloads()
	require.Len(t, payloads.Transactions, 1)
	assert.Equal(t, "docstream.scroll", payloads.Transactions[0].Name)
	assert.Equal(t, "input", payloads.Transactions[0].Type)

	var names []string
	for _, span := range exp.GetSpans() {
		names = append(names, span.Name)
		assert.Equal(t, codes.Unset, span.Status.Code)
	}
	assert.Equal(t, []string{"docstream.search", "docstream.scroll.page", "docstream.scroll.page"}, names)
}
