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
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/elastic/go-docstream"
	"github.com/elastic/go-docstream/docstreamtest"
)

func TestSearch(t *testing.T) {
	for _, tc := range []struct {
		fetch    docstream.FetchType
		wantSize int
		wantRows []json.RawMessage
		wantRow  json.RawMessage
	}{{
		fetch:    docstream.FetchAll,
		wantSize: 3,
		wantRows: []json.RawMessage{json.RawMessage(`{"n":0}`), json.RawMessage(`{"n":1}`), json.RawMessage(`{"n":2}`)},
	}, {
		fetch:    docstream.FetchOne,
		wantSize: 1,
		wantRow:  json.RawMessage(`{"n":0}`),
	}, {
		fetch: docstream.FetchNone,
	}} {
		t.Run(tc.fetch.String(), func(t *testing.T) {
			srv := docstreamtest.NewScrollServer(28)
			exporter := newExporter(t, srv, docstream.ExporterConfig{})

			result, err := exporter.Search(context.Background(), docstream.SearchRequest{
				Indices: []string{"gbif"},
				Body:    []byte(`{"query":{"term":{"country":"BE"}}}`),
				Size:    3,
			}, tc.fetch, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.wantSize, result.Size)
			assert.Equal(t, int64(28), result.Total)
			assert.Equal(t, tc.wantRows, result.Rows)
			assert.Equal(t, tc.wantRow, result.Row)
			assert.Empty(t, result.Location)
			// Records counts the hits of the page whatever the fetch type.
			assert.Equal(t, docstream.RunMetrics{Requests: 1, Records: 3, Duration: 1e6}, result.Metrics)

			searches := srv.Searches()
			require.Len(t, searches, 1)
			assert.Equal(t, "/gbif/_search", searches[0].Path)
			assert.False(t, searches[0].Query.Has("scroll"))
			assert.Equal(t, "3", searches[0].Query.Get("size"))
			assert.JSONEq(t, `{"query":{"term":{"country":"BE"}}}`, string(searches[0].Body))
			// A single search opens no cursor.
			assert.Empty(t, srv.ScrollIDs())
			assert.Empty(t, srv.Cleared())
		})
	}
}

func TestSearchStore(t *testing.T) {
	srv := docstreamtest.NewScrollServer(28)
	exporter := newExporter(t, srv, docstream.ExporterConfig{})

	var buf bytes.Buffer
	sink, err := docstream.NewWriterSink(&buf, docstream.FormatJSON, "memory://hits")
	require.NoError(t, err)
	result, err := exporter.Search(context.Background(), docstream.SearchRequest{}, docstream.FetchStore, sink)
	require.NoError(t, err)
	assert.Equal(t, docstreamtest.DefaultPageSize, result.Size)
	assert.Equal(t, int64(28), result.Total)
	assert.Equal(t, "memory://hits", result.Location)
	assert.Nil(t, result.Rows)
	assert.Nil(t, result.Row)

	var want bytes.Buffer
	for i := 0; i < docstreamtest.DefaultPageSize; i++ {
		fmt.Fprintf(&want, "{\"n\":%d}\n", i)
	}
	assert.Equal(t, want.String(), buf.String())
}

func TestSearchEmpty(t *testing.T) {
	srv := docstreamtest.NewScrollServer(0)
	exporter := newExporter(t, srv, docstream.ExporterConfig{})

	result, err := exporter.Search(context.Background(), docstream.SearchRequest{}, docstream.FetchOne, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Size)
	assert.Zero(t, result.Total)
	assert.Nil(t, result.Row)
	assert.Equal(t, docstream.RunMetrics{Requests: 1, Duration: 1e6}, result.Metrics)
}

func TestSearchInvalid(t *testing.T) {
	srv := docstreamtest.NewScrollServer(1)
	exporter := newExporter(t, srv, docstream.ExporterConfig{})

	_, err := exporter.Search(context.Background(), docstream.SearchRequest{}, docstream.FetchStore, nil)
	assert.EqualError(t, err, "sink is nil")
	_, err = exporter.Search(context.Background(), docstream.SearchRequest{}, docstream.FetchType(9), nil)
	assert.EqualError(t, err, "unknown fetch type FetchType(9)")
	assert.Empty(t, srv.Searches())
}

func TestSearchError(t *testing.T) {
	mux := http.NewServeMux()
	docstreamtest.HandleSearch(mux, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"type":"index_not_found_exception"}}`, http.StatusNotFound)
	})
	exporter, err := docstream.NewExporter(docstreamtest.NewMockElasticsearchClientMux(t, mux), docstream.ExporterConfig{})
	require.NoError(t, err)

	result, err := exporter.Search(context.Background(), docstream.SearchRequest{Indices: []string{"missing"}}, docstream.FetchAll, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search failed: request failed (404)")
	assert.Zero(t, result.Metrics)
}

func TestSearchMetrics(t *testing.T) {
	srv := docstreamtest.NewScrollServer(4)
	rdr := sdkmetric.NewManualReader()
	exporter := newExporter(t, srv, docstream.ExporterConfig{
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
	})

	_, err := exporter.Search(context.Background(), docstream.SearchRequest{}, docstream.FetchNone, nil)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	wantAttrs := attribute.NewSet(attribute.String("operation", "search"))
	assertRunMetrics(t, rm.ScopeMetrics[0], wantAttrs, 1, 4, 1e6)
}

func TestParseFetchType(t *testing.T) {
	for _, ft := range []docstream.FetchType{docstream.FetchAll, docstream.FetchOne, docstream.FetchStore, docstream.FetchNone} {
		parsed, err := docstream.ParseFetchType(ft.String())
		require.NoError(t, err)
		assert.Equal(t, ft, parsed)
	}
	parsed, err := docstream.ParseFetchType("FETCH_ONE")
	require.NoError(t, err)
	assert.Equal(t, docstream.FetchOne, parsed)
	_, err = docstream.ParseFetchType("all")
	assert.EqualError(t, err, `unknown fetch type "all"`)
}
