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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.uber.org/zap"
)

// FetchType selects what Search returns of the hits of its result page.
type FetchType uint8

const (
	// FetchAll returns the source of every hit.
	FetchAll FetchType = iota
	// FetchOne returns the source of the first hit.
	FetchOne
	// FetchStore writes the hits to a Sink.
	FetchStore
	// FetchNone returns counts only.
	FetchNone
)

// String returns the name of t.
func (t FetchType) String() string {
	switch t {
	case FetchAll:
		return "fetch"
	case FetchOne:
		return "fetch_one"
	case FetchStore:
		return "store"
	case FetchNone:
		return "none"
	}
	return fmt.Sprintf("FetchType(%d)", uint8(t))
}

// ParseFetchType parses a fetch type name as returned by String.
func ParseFetchType(s string) (FetchType, error) {
	switch strings.ToLower(s) {
	case "fetch":
		return FetchAll, nil
	case "fetch_one":
		return FetchOne, nil
	case "store":
		return FetchStore, nil
	case "none":
		return FetchNone, nil
	}
	return 0, fmt.Errorf("unknown fetch type %q", s)
}

// SearchResult holds the outcome of a Search.
type SearchResult struct {
	// Size holds the number of hits returned, or written to the sink.
	Size int
	// Total holds the total number of matching documents reported by
	// Elasticsearch, which may exceed the hits of the page.
	Total int64
	// Rows holds the hit sources with FetchAll.
	Rows []json.RawMessage
	// Row holds the first hit source with FetchOne, nil if there is none.
	Row json.RawMessage
	// Location holds the sink location with FetchStore.
	Location string
	Metrics  RunMetrics
}

// Search runs req once and returns the hits of the single result page
// as selected by fetch. Pagination is left to the search body; use
// Export to retrieve every hit.
//
// sink is only used with FetchStore, and is flushed but not closed.
func (e *Exporter) Search(ctx context.Context, req SearchRequest, fetch FetchType, sink Sink) (result SearchResult, err error) {
	switch fetch {
	case FetchAll, FetchOne, FetchNone:
	case FetchStore:
		if sink == nil {
			return SearchResult{}, errors.New("sink is nil")
		}
	default:
		return SearchResult{}, fmt.Errorf("unknown fetch type %s", fetch)
	}

	logger := e.config.Logger
	if e.config.Tracer != nil {
		var tx *apm.Transaction
		tx, ctx = startRunTransaction(ctx, e.config.Tracer, "docstream.search", "input")
		defer tx.End()
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	var rm RunMetrics
	defer func() {
		e.metrics.publish("search", rm)
		result.Metrics = rm
		fields := []zap.Field{
			zap.String("fetch_type", fetch.String()),
			zap.Int64("requests", rm.Requests),
			zap.Int64("records", rm.Records),
			zap.Duration("duration", rm.Duration),
		}
		if err != nil {
			if e.config.Tracer != nil {
				apm.CaptureError(ctx, err).Send()
			}
			logger.Error("search failed", append(fields, zap.Error(err))...)
			return
		}
		logger.Info(fmt.Sprintf("fetched %d of %d hits", result.Size, result.Total), fields...)
	}()

	logger.Debug("starting search", zap.Strings("indices", req.Indices), zap.ByteString("body", req.Body))
	sreq := req.esapiRequest()
	sreq.FilterPath = []string{"took", "hits.total", "hits.hits._source"}
	page, err := e.page(ctx, "docstream.search", func(ctx context.Context) (*esapi.Response, error) {
		return sreq.Do(ctx, e.client)
	})
	if err != nil {
		return SearchResult{}, fmt.Errorf("search failed: %w", err)
	}
	hits := page.Hits.Hits
	rm.addResponse(time.Duration(page.Took) * time.Millisecond)
	rm.Records = int64(len(hits))

	result = SearchResult{Total: page.Hits.Total.Value}
	switch fetch {
	case FetchAll:
		result.Rows = make([]json.RawMessage, len(hits))
		for i, hit := range hits {
			result.Rows[i] = hit.Source
		}
		result.Size = len(hits)
	case FetchOne:
		if len(hits) > 0 {
			result.Row = hits[0].Source
			result.Size = 1
		}
	case FetchStore:
		for _, hit := range hits {
			if err := sink.WriteHit(hit.Source); err != nil {
				return result, fmt.Errorf("failed to write hit: %w", err)
			}
			result.Size++
		}
		if err := sink.Flush(); err != nil {
			return result, fmt.Errorf("failed to flush sink: %w", err)
		}
		result.Location = sink.Location()
	}
	return result, nil
}
