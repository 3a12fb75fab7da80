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

// Package docstreamtest provides a fake Elasticsearch for testing
// bulk loads and scroll exports.
package docstreamtest

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// TimestampFormat holds the time format for formatting timestamps according to
// Elasticsearch's strict_date_optional_time date format, which includes a fractional
// seconds component.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// BulkItem is one decoded operation of a /_bulk request.
type BulkItem struct {
	Action  string
	Index   string
	ID      string
	Routing string
	// Source holds the document line, nil for deletes.
	Source json.RawMessage
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// operations and a successful response body.
func DecodeBulkRequest(r *http.Request) ([]BulkItem, esutil.BulkIndexerResponse) {
	body := r.Body
	switch r.Header.Get("Content-Encoding") {
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer r.Close()
		body = r
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var items []BulkItem
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		var action map[string]struct {
			Index   string `json:"_index"`
			ID      string `json:"_id"`
			Routing string `json:"routing"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &action); err != nil {
			panic(err)
		}
		if len(action) != 1 {
			panic(fmt.Errorf("expected one action, got %s", scanner.Bytes()))
		}
		item := BulkItem{}
		for name, meta := range action {
			item.Action = name
			item.Index = meta.Index
			item.ID = meta.ID
			item.Routing = meta.Routing
		}
		status := http.StatusCreated
		if item.Action != "delete" {
			if !scanner.Scan() {
				panic("expected source")
			}
			doc := append([]byte{}, scanner.Bytes()...)
			if !json.Valid(doc) {
				panic(fmt.Errorf("invalid JSON: %s", doc))
			}
			item.Source = doc
		} else {
			status = http.StatusOK
		}
		items = append(items, item)
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{
			item.Action: {Index: item.Index, DocumentID: item.ID, Status: status},
		})
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}
	return items, result
}

// FailItem marks the response item at position i as rejected.
func FailItem(result *esutil.BulkIndexerResponse, i, status int, errType, reason string) {
	result.HasErrors = true
	for action, item := range result.Items[i] {
		item.Status = status
		item.Error.Type = errType
		item.Error.Reason = reason
		result.Items[i][action] = item
	}
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	return NewMockElasticsearchClientMux(t, mux)
}

// NewMockElasticsearchClientMux returns an elasticsearch.Client which sends
// all requests to mux.
func NewMockElasticsearchClientMux(t testing.TB, mux *http.ServeMux) *elasticsearch.Client {
	client, err := elasticsearch.NewClient(NewMockElasticsearchClientConfig(t, mux))
	require.NoError(t, err)
	return client
}

// NewMockElasticsearchClientConfig starts an httptest.Server serving mux, and returns
// an elasticsearch.Config for it. The httptest.Server will be closed via t.Cleanup.
func NewMockElasticsearchClientConfig(t testing.TB, mux *http.ServeMux) elasticsearch.Config {
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	config := elasticsearch.Config{}
	config.Addresses = []string{srv.URL}
	config.DisableRetry = true
	config.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)

	return config
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.Handle("/_bulk", product(bulkHandler))
}

// HandleSearch registers searchHandler for /_search and /{index}/_search.
func HandleSearch(mux *http.ServeMux, searchHandler http.HandlerFunc) {
	mux.Handle("/_search", product(searchHandler))
	mux.Handle("/{index}/_search", product(searchHandler))
}

// HandleScroll registers scrollHandler for /_search/scroll, which serves
// both next page requests and DELETE clear scroll requests.
func HandleScroll(mux *http.ServeMux, scrollHandler http.HandlerFunc) {
	mux.Handle("/_search/scroll", product(scrollHandler))
	mux.Handle("/_search/scroll/", product(scrollHandler))
}

func product(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		h.ServeHTTP(w, r)
	})
}
