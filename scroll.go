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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.elastic.co/fastjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// releaseTimeout bounds the clear scroll request, which also runs after
// the export context has been cancelled.
const releaseTimeout = 10 * time.Second

var errMissingScrollID = errors.New("search response holds hits but no scroll id")

// SearchRequest describes the documents to export.
type SearchRequest struct {
	// Indices holds the indices to search. If empty, all indices are
	// searched.
	Indices []string

	// Body holds the JSON search body, e.g. {"query":{...}}. If nil,
	// all documents match.
	Body []byte

	// Routing holds optional routing values.
	Routing []string

	// Size holds the number of hits per page. If zero, the size of
	// Body or the server default applies.
	Size int
}

// ExportResult holds the outcome of an export run.
type ExportResult struct {
	// Records holds the number of hits written to the sink.
	Records int64
	// Location holds the sink location.
	Location string
	Metrics  RunMetrics
}

// Exporter retrieves every hit of a search through a scroll cursor and
// writes the hit sources to a Sink, one page at a time.
//
// The cursor is always released when Export returns, whether the export
// succeeded or not.
type Exporter struct {
	config  ExporterConfig
	client  elastictransport.Interface
	metrics metrics
	tracer  trace.Tracer
}

// NewExporter returns a new Exporter reading from Elasticsearch.
func NewExporter(client elastictransport.Interface, cfg ExporterConfig) (*Exporter, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	cfg = DefaultExporterConfig(cfg)
	ms, err := newMetrics(cfg.MeterProvider, cfg.MetricAttributes)
	if err != nil {
		return nil, err
	}
	e := &Exporter{config: cfg, client: client, metrics: ms}
	if cfg.TracerProvider != nil {
		e.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-docstream.exporter")
	}
	return e, nil
}

type searchPage struct {
	ScrollID string `json:"_scroll_id"`
	Took     int64  `json:"took"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Export runs req and writes the source of every hit to sink, in order.
//
// The first page without hits ends the export. Sink is flushed on
// success; closing it stays with the caller. Run metrics are published
// once, when Export returns.
func (e *Exporter) Export(ctx context.Context, req SearchRequest, sink Sink) (result ExportResult, err error) {
	if sink == nil {
		return ExportResult{}, errors.New("sink is nil")
	}
	logger := e.config.Logger
	if e.config.Tracer != nil {
		var tx *apm.Transaction
		tx, ctx = startRunTransaction(ctx, e.config.Tracer, "docstream.scroll", "input")
		defer tx.End()
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	var rm RunMetrics
	defer func() {
		e.metrics.publish("scroll", rm)
		result = ExportResult{Records: rm.Records, Location: sink.Location(), Metrics: rm}
		fields := []zap.Field{
			zap.Int64("requests", rm.Requests),
			zap.Int64("records", rm.Records),
			zap.Duration("duration", rm.Duration),
		}
		if err != nil {
			if e.config.Tracer != nil {
				apm.CaptureError(ctx, err).Send()
			}
			logger.Error("export failed", append(fields, zap.Error(err))...)
			return
		}
		logger.Info(fmt.Sprintf("exported %d records in %d requests to %s",
			rm.Records, rm.Requests, result.Location,
		), fields...)
	}()

	logger.Debug("starting search", zap.Strings("indices", req.Indices), zap.ByteString("body", req.Body))
	page, err := e.search(ctx, req)
	if err != nil {
		return result, fmt.Errorf("search failed: %w", err)
	}
	rm.addResponse(time.Duration(page.Took) * time.Millisecond)

	cursor := page.ScrollID
	defer func() {
		// The closure reads cursor when the export ends, releasing the
		// last cursor handed out by Elasticsearch.
		e.release(ctx, logger, cursor)
	}()

	for len(page.Hits.Hits) > 0 {
		for _, hit := range page.Hits.Hits {
			if err := sink.WriteHit(hit.Source); err != nil {
				return result, fmt.Errorf("failed to write hit: %w", err)
			}
			rm.Records++
		}
		if cursor == "" {
			return result, errMissingScrollID
		}
		if page, err = e.scroll(ctx, cursor); err != nil {
			return result, fmt.Errorf("scroll failed: %w", err)
		}
		if page.ScrollID != "" {
			cursor = page.ScrollID
		}
		// The empty page ending the scroll is not counted.
		if len(page.Hits.Hits) > 0 {
			rm.addResponse(time.Duration(page.Took) * time.Millisecond)
		}
	}
	if err := sink.Flush(); err != nil {
		return result, fmt.Errorf("failed to flush sink: %w", err)
	}
	return result, nil
}

func (e *Exporter) search(ctx context.Context, req SearchRequest) (searchPage, error) {
	sreq := req.esapiRequest()
	sreq.Scroll = ScrollKeepAlive
	sreq.FilterPath = []string{"took", "_scroll_id", "hits.hits._source"}
	return e.page(ctx, "docstream.search", func(ctx context.Context) (*esapi.Response, error) {
		return sreq.Do(ctx, e.client)
	})
}

func (req SearchRequest) esapiRequest() esapi.SearchRequest {
	sreq := esapi.SearchRequest{
		Index:   req.Indices,
		Routing: req.Routing,
	}
	if req.Body != nil {
		sreq.Body = bytes.NewReader(req.Body)
	}
	if req.Size > 0 {
		size := req.Size
		sreq.Size = &size
	}
	return sreq
}

func (e *Exporter) scroll(ctx context.Context, cursor string) (searchPage, error) {
	sreq := esapi.ScrollRequest{
		Body:       bytes.NewReader(scrollIDBody(cursor)),
		Scroll:     ScrollKeepAlive,
		FilterPath: []string{"took", "_scroll_id", "hits.hits._source"},
	}
	return e.page(ctx, "docstream.scroll.page", func(ctx context.Context) (*esapi.Response, error) {
		return sreq.Do(ctx, e.client)
	})
}

// page executes one search or scroll request and decodes its page.
func (e *Exporter) page(
	ctx context.Context, name string,
	do func(context.Context) (*esapi.Response, error),
) (page searchPage, err error) {
	if e.config.Tracer != nil {
		var apmSpan *apm.Span
		apmSpan, ctx = apm.StartSpan(ctx, name, "db.elasticsearch.search")
		defer apmSpan.End()
	}
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, name, trace.WithLinks(runTransactionLinks(ctx)...))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "page request failed")
			} else {
				span.SetAttributes(attribute.Int("documents", len(page.Hits.Hits)))
			}
			span.End()
		}()
	}
	if e.config.PageTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.PageTimeout)
		defer cancel()
	}

	res, err := do(ctx)
	if err != nil {
		return page, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(semconv.HTTPResponseStatusCode(res.StatusCode))
		}
		return page, fmt.Errorf("request failed (%d): %s", res.StatusCode, res.String())
	}
	if err := jsonAPI.NewDecoder(res.Body).Decode(&page); err != nil {
		return page, fmt.Errorf("error decoding search response: %w", err)
	}
	return page, nil
}

// release clears the scroll cursor. Failures only leak the cursor until
// its keep alive expires, so they are logged and not returned.
func (e *Exporter) release(ctx context.Context, logger *zap.Logger, cursor string) {
	if cursor == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	req := esapi.ClearScrollRequest{Body: bytes.NewReader(scrollIDBody(cursor))}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		logger.Warn("failed to clear scroll", zap.Error(err))
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		logger.Warn("failed to clear scroll", zap.Int("status", res.StatusCode), zap.String("response", res.String()))
	}
}

func scrollIDBody(cursor string) []byte {
	var w fastjson.Writer
	w.RawString(`{"scroll_id":`)
	w.String(cursor)
	w.RawByte('}')
	return w.Bytes()
}
