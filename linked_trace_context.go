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

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/trace"
)

// linkedTraceContext identifies a span of another trace, so that runs
// can be correlated with the code that started them.
type linkedTraceContext struct {
	TraceID [16]byte
	SpanID  [8]byte
}

func (c linkedTraceContext) APMLink() apm.SpanLink {
	return apm.SpanLink{Trace: c.TraceID, Span: c.SpanID}
}

func (c linkedTraceContext) OTELLink() trace.Link {
	return trace.Link{SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: c.TraceID,
		SpanID:  c.SpanID,
	})}
}

func newLinkedTraceContextFromAPM(ctx apm.TraceContext) *linkedTraceContext {
	if err := ctx.Trace.Validate(); err != nil {
		return nil
	}
	return &linkedTraceContext{
		TraceID: ctx.Trace,
		SpanID:  ctx.Span,
	}
}

func newLinkedTraceIDFromOTEL(ctx trace.SpanContext) *linkedTraceContext {
	if !ctx.HasTraceID() || !ctx.HasSpanID() {
		return nil
	}
	return &linkedTraceContext{
		TraceID: ctx.TraceID(),
		SpanID:  ctx.SpanID(),
	}
}

// startRunTransaction starts the APM transaction of a run. The transaction
// starts a new trace, linked to the APM or OTel span active in ctx.
func startRunTransaction(ctx context.Context, tracer *apm.Tracer, name, transactionType string) (*apm.Transaction, context.Context) {
	var opts apm.TransactionOptions
	var caller *linkedTraceContext
	if span := apm.SpanFromContext(ctx); span != nil {
		caller = newLinkedTraceContextFromAPM(span.TraceContext())
	} else if tx := apm.TransactionFromContext(ctx); tx != nil {
		caller = newLinkedTraceContextFromAPM(tx.TraceContext())
	}
	if caller != nil {
		opts.Links = append(opts.Links, caller.APMLink())
	}
	if caller := newLinkedTraceIDFromOTEL(trace.SpanContextFromContext(ctx)); caller != nil {
		opts.Links = append(opts.Links, caller.APMLink())
	}
	tx := tracer.StartTransactionOptions(name, transactionType, opts)
	return tx, apm.ContextWithTransaction(ctx, tx)
}

// runTransactionLinks returns a link to the APM transaction in ctx, for
// OTel spans recorded by the same run.
func runTransactionLinks(ctx context.Context) []trace.Link {
	tx := apm.TransactionFromContext(ctx)
	if tx == nil {
		return nil
	}
	if link := newLinkedTraceContextFromAPM(tx.TraceContext()); link != nil {
		return []trace.Link{link.OTELLink()}
	}
	return nil
}
