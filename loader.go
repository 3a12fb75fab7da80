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
	"errors"
	"fmt"
	"io"

	"github.com/elastic/elastic-transport-go/v8/elastictransport"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidChunkSize is returned when the chunk size is lower than one.
var ErrInvalidChunkSize = errors.New("chunk size must be at least 1")

// Loader writes a stream of operations to Elasticsearch in fixed size
// bulk requests.
//
// Decoding the source and sending requests run in two goroutines joined
// by a channel holding at most one chunk, so memory use is bounded by
// the chunk size and not by the size of the source. Bulk requests are
// sent one after the other, never concurrently, and the first rejected
// item aborts the run. Requests accepted before an abort are not rolled
// back.
//
// A Loader holds no per-run state and may be used for several runs,
// including concurrent ones.
type Loader struct {
	config  LoaderConfig
	client  elastictransport.Interface
	metrics metrics

	// tracer is an OTel tracer, and should not be confused with `l.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// LoadResult holds the outcome of a load run.
type LoadResult struct {
	// Records holds the number of operations sent to Elasticsearch.
	Records int64
	Metrics RunMetrics
}

// NewLoader returns a new Loader that writes to Elasticsearch.
func NewLoader(client elastictransport.Interface, cfg LoaderConfig) (*Loader, error) {
	if client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidChunkSize, cfg.ChunkSize)
	}
	cfg = DefaultLoaderConfig(cfg)
	l := &Loader{config: cfg, client: client}
	if err := l.bulkIndexerConfig().Validate(); err != nil {
		return nil, fmt.Errorf("error creating bulk indexer: %w", err)
	}
	ms, err := newMetrics(cfg.MeterProvider, cfg.MetricAttributes)
	if err != nil {
		return nil, err
	}
	l.metrics = ms
	if cfg.TracerProvider != nil {
		l.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-docstream.loader")
	}
	return l, nil
}

func (l *Loader) bulkIndexerConfig() BulkIndexerConfig {
	return BulkIndexerConfig{
		Client:           l.client,
		DefaultIndex:     l.config.DefaultIndex,
		CompressionLevel: l.config.CompressionLevel,
		Pipeline:         l.config.Pipeline,
		Refresh:          l.config.Refresh,
	}
}

// LoadBulkFile loads a file in the Elasticsearch bulk format. The caller
// keeps ownership of r.
func (l *Loader) LoadBulkFile(ctx context.Context, r io.Reader) (LoadResult, error) {
	return l.Load(ctx, NewBulkFileSource(r))
}

// LoadRows loads a file holding one record per line, applying mapping
// to every record. The caller keeps ownership of r.
func (l *Loader) LoadRows(ctx context.Context, r io.Reader, mapping RowMapping) (LoadResult, error) {
	src, err := NewRowSource(r, mapping)
	if err != nil {
		return LoadResult{}, err
	}
	return l.Load(ctx, src)
}

// Load reads src until io.EOF, sending its operations in bulk requests
// of at most ChunkSize operations.
//
// Run metrics are published once, when Load returns, and are returned
// even when the run fails.
func (l *Loader) Load(ctx context.Context, src OperationSource) (result LoadResult, err error) {
	chunkSize := l.config.ChunkSize
	if chunkSize < 1 {
		return LoadResult{}, fmt.Errorf("%w, got %d", ErrInvalidChunkSize, chunkSize)
	}
	indexer, err := NewBulkIndexer(l.bulkIndexerConfig())
	if err != nil {
		return LoadResult{}, fmt.Errorf("error creating bulk indexer: %w", err)
	}

	logger := l.config.Logger
	if l.config.Tracer != nil {
		var tx *apm.Transaction
		tx, ctx = startRunTransaction(ctx, l.config.Tracer, "docstream.load", "output")
		defer tx.End()
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}

	// rm is only written by the consumer goroutine below, and read
	// after the errgroup has been waited for.
	var rm RunMetrics
	defer func() {
		l.metrics.publish("bulk", rm)
		result = LoadResult{Records: rm.Records, Metrics: rm}
		fields := []zap.Field{
			zap.Int64("requests", rm.Requests),
			zap.Int64("records", rm.Records),
			zap.Duration("duration", rm.Duration),
		}
		if err != nil {
			if l.config.Tracer != nil {
				apm.CaptureError(ctx, err).Send()
			}
			logger.Error("load failed", append(fields, zap.Error(err))...)
			return
		}
		logger.Info(fmt.Sprintf("successfully sent %d requests for %d records in %s",
			rm.Requests, rm.Records, rm.Duration,
		), fields...)
	}()

	g, gctx := errgroup.WithContext(ctx)
	ops := make(chan Operation, chunkSize)
	g.Go(func() error {
		for {
			op, err := src.Next(gctx)
			if err == io.EOF {
				close(ops)
				return nil
			}
			if err != nil {
				// ops is left open so the consumer stops on the
				// cancelled context instead of flushing a partial chunk.
				return err
			}
			select {
			case ops <- op:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		var position int64
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case op, ok := <-ops:
				if !ok {
					return l.flush(gctx, logger, indexer, &rm)
				}
				if err := indexer.Add(op); err != nil {
					return fmt.Errorf("invalid operation at position %d: %w", position, err)
				}
				position++
				if indexer.Items() >= chunkSize {
					if err := l.flush(gctx, logger, indexer, &rm); err != nil {
						return err
					}
				}
			}
		}
	})
	err = g.Wait()
	return result, err
}

func (l *Loader) flush(ctx context.Context, logger *zap.Logger, indexer *BulkIndexer, rm *RunMetrics) error {
	n := indexer.Items()
	if n == 0 {
		return nil
	}
	// Operations count as attempted as soon as they are sent.
	rm.Records += int64(n)

	if l.config.Tracer != nil {
		var apmSpan *apm.Span
		apmSpan, ctx = apm.StartSpan(ctx, "docstream.flush", "db.elasticsearch.bulk")
		defer apmSpan.End()
	}
	var span trace.Span
	if l.tracer != nil {
		ctx, span = l.tracer.Start(ctx, "docstream.flush",
			trace.WithAttributes(attribute.Int("documents", n)),
			trace.WithLinks(runTransactionLinks(ctx)...),
		)
		defer span.End()
		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	flushCtx := ctx
	if l.config.FlushTimeout != 0 {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(ctx, l.config.FlushTimeout)
		defer cancel()
	}

	resp, err := indexer.Flush(flushCtx)
	if indexer.Responded() {
		rm.addResponse(resp.Took)
	}
	if err != nil {
		if span != nil {
			var errFailed ErrorFlushFailed
			if errors.As(err, &errFailed) {
				span.SetAttributes(semconv.HTTPResponseStatusCode(errFailed.StatusCode))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk request failed")
		}
		return err
	}

	if !resp.HasErrors && len(resp.FailedDocs) == 0 {
		logger.Debug("bulk request completed",
			zap.Int("documents", n),
			zap.Int("bytes", indexer.BytesFlushed()),
			zap.Duration("took", resp.Took),
		)
		return nil
	}

	type failure struct{ index, errType, reason string }
	failedCount := make(map[failure]int, len(resp.FailedDocs))
	for _, info := range resp.FailedDocs {
		failedCount[failure{info.Index, info.Error.Type, info.Error.Reason}]++
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.index, key.errType, key.reason,
		), zap.Int("documents", count))
	}
	failedErr := &BulkFailedError{Items: resp.FailedDocs}
	if span != nil {
		span.RecordError(failedErr)
		span.SetStatus(codes.Error, "bulk request has failed items")
	}
	return failedErr
}
