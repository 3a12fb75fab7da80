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
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unsafe"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
)

// Unlike the go-elasticsearch esutil.BulkIndexer, flushing is explicit:
// the caller decides when a batch is complete, so batch boundaries are
// deterministic and requests are strictly sequential.

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// DefaultIndex holds the index used for operations without one.
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

	// Refresh holds the refresh policy of the Bulk request: "true",
	// "false" or "wait_for". If empty, the cluster default applies.
	Refresh string
}

// Validate checks the configuration.
func (cfg BulkIndexerConfig) Validate() error {
	if cfg.Client == nil {
		return errors.New("client is nil")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	switch cfg.Refresh {
	case "", "true", "false", "wait_for":
	default:
		return fmt.Errorf("invalid refresh policy %q", cfg.Refresh)
	}
	return nil
}

// BulkIndexer encodes one bulk request at a time. It holds no more than
// the operations of the request being built, and it is not safe for
// concurrent use.
type BulkIndexer struct {
	config       BulkIndexerConfig
	itemsAdded   int
	bytesFlushed int
	responded    bool
	jsonw        fastjson.Writer
	writer       io.Writer
	gzipw        *gzip.Writer
	buf          bytes.Buffer
}

// BulkIndexerResponseStat summarizes one bulk response.
type BulkIndexerResponseStat struct {
	// Took holds the server side processing time.
	Took time.Duration
	// HasErrors reports the response level errors flag.
	HasErrors bool
	// Items holds the number of items in the response.
	Items      int
	Indexed    int64
	FailedDocs []BulkIndexerResponseItem
}

// BulkIndexerResponseItem represents the Elasticsearch response item.
type BulkIndexerResponseItem struct {
	Action string `json:"-"`
	Index  string `json:"_index"`
	Status int    `json:"status"`

	Position int

	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("docstream.BulkIndexerResponseStat", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		stat := (*BulkIndexerResponseStat)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			switch s {
			case "took":
				stat.Took = time.Duration(i.ReadInt64()) * time.Millisecond
			case "errors":
				stat.HasErrors = i.ReadBool()
			case "items":
				i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
					return i.ReadMapCB(func(i *jsoniter.Iterator, action string) bool {
						item := BulkIndexerResponseItem{Action: action, Position: stat.Items}
						i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
							switch s {
							case "_index":
								item.Index = i.ReadString()
							case "status":
								item.Status = i.ReadInt()
							case "error":
								i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
									switch s {
									case "type":
										item.Error.Type = i.ReadString()
									case "reason":
										// Drop the field value preview appended by field mappers:
										// failed to parse field [%s] of type [%s] in %s. Preview of field's value: '%s'
										item.Error.Reason, _, _ = strings.Cut(
											i.ReadString(), ". Preview",
										)
									default:
										i.Skip()
									}
									return true
								})
							default:
								i.Skip()
							}
							return true
						})
						stat.Items++
						if item.Error.Type != "" {
							stat.FailedDocs = append(stat.FailedDocs, item)
						} else {
							stat.Indexed++
						}
						return true
					})
				})
			default:
				i.Skip()
			}
			return true
		})
	})
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to Elasticsearch.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &BulkIndexer{config: cfg}
	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b, nil
}

func (b *BulkIndexer) resetBuf() {
	b.itemsAdded = 0
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// Items returns the number of buffered items.
func (b *BulkIndexer) Items() int {
	return b.itemsAdded
}

// Len returns the number of buffered bytes.
func (b *BulkIndexer) Len() int {
	return b.buf.Len()
}

// Responded reports whether the last Flush got a response from
// Elasticsearch, including error responses.
func (b *BulkIndexer) Responded() bool {
	return b.responded
}

// BytesFlushed returns the number of bytes sent by the last Flush.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// Add encodes an operation in the buffer.
func (b *BulkIndexer) Add(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	var body []byte
	if op.Body != nil {
		var err error
		if body, err = jsonAPI.Marshal(op.Body); err != nil {
			return fmt.Errorf("failed to encode %s document: %w", op.Type, err)
		}
	}

	index := op.Index
	if index == "" {
		index = b.config.DefaultIndex
	}
	b.writeMeta(op.Type, index, op.ID, op.Routing)

	switch op.Type {
	case OpDelete:
	case OpUpdate:
		b.jsonw.RawString(`{"doc":`)
		b.jsonw.RawBytes(body)
		if op.DocAsUpsert {
			b.jsonw.RawString(`,"doc_as_upsert":true`)
		}
		b.jsonw.RawString("}\n")
	default:
		b.jsonw.RawBytes(body)
		b.jsonw.RawByte('\n')
	}
	if b.jsonw.Size() > 0 {
		_, err := b.writer.Write(b.jsonw.Bytes())
		b.jsonw.Reset()
		if err != nil {
			return fmt.Errorf("failed to write bulk indexer item: %w", err)
		}
	}
	b.itemsAdded++
	return nil
}

func (b *BulkIndexer) writeMeta(action OpType, index, documentID, routing string) {
	b.jsonw.RawString(`{"`)
	b.jsonw.RawString(action.String())
	b.jsonw.RawString(`":{`)
	sep := false
	for _, f := range [...]struct{ key, value string }{
		{`"_index":`, index},
		{`"_id":`, documentID},
		{`"routing":`, routing},
	} {
		if f.value == "" {
			continue
		}
		if sep {
			b.jsonw.RawByte(',')
		}
		b.jsonw.RawString(f.key)
		b.jsonw.String(f.value)
		sep = true
	}
	b.jsonw.RawString("}}\n")
	b.writer.Write(b.jsonw.Bytes())
	b.jsonw.Reset()
}

// Flush executes a bulk request if there are any items buffered, and clears out the buffer.
func (b *BulkIndexer) Flush(ctx context.Context) (BulkIndexerResponseStat, error) {
	if b.itemsAdded == 0 {
		return BulkIndexerResponseStat{}, nil
	}
	defer b.resetBuf()
	expected := b.itemsAdded
	b.responded = false

	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return BulkIndexerResponseStat{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Body:   &b.buf,
		Header: make(http.Header),
		FilterPath: []string{
			"took", "errors",
			"items.*._index", "items.*.status", "items.*.error.type", "items.*.error.reason",
		},
		Pipeline: b.config.Pipeline,
		Refresh:  b.config.Refresh,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	bytesFlushed := b.buf.Len()
	res, err := req.Do(ctx, b.config.Client)
	if err != nil {
		return BulkIndexerResponseStat{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	b.bytesFlushed = bytesFlushed
	b.responded = true
	var resp BulkIndexerResponseStat
	if res.IsError() {
		return resp, ErrorFlushFailed{StatusCode: res.StatusCode, resp: res.String()}
	}
	if err := jsonAPI.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("error decoding bulk response: %w", err)
	}
	if resp.Items != expected {
		return resp, fmt.Errorf("bulk response holds %d items, expected %d", resp.Items, expected)
	}
	return resp, nil
}

// ErrorFlushFailed is returned when Elasticsearch rejects a whole bulk
// request.
type ErrorFlushFailed struct {
	StatusCode int
	resp       string
}

func (e ErrorFlushFailed) Error() string {
	return fmt.Sprintf("flush failed (%d): %s", e.StatusCode, e.resp)
}

// BulkFailedError is returned when a bulk request succeeded but some of
// its items were rejected.
type BulkFailedError struct {
	Items []BulkIndexerResponseItem
}

func (e *BulkFailedError) Error() string {
	var sb strings.Builder
	sb.WriteString("indexer failed bulk:\n")
	for _, item := range e.Items {
		fmt.Fprintf(&sb, "%s: %d - %s\n", item.Index, item.Status, item.Error.Reason)
	}
	return sb.String()
}
