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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/amzn/ion-go/ion"
)

// Sink receives exported documents.
type Sink interface {
	// WriteHit writes the _source of one hit.
	WriteHit(source json.RawMessage) error
	// Flush persists everything written so far.
	Flush() error
	// Location identifies where the documents end up.
	Location() string
}

// WriterSink writes one document per line to an io.Writer, as JSON or
// as Ion text.
type WriterSink struct {
	w        *bufio.Writer
	format   Format
	location string
	scratch  bytes.Buffer
}

// NewWriterSink returns a WriterSink writing to w in the given format.
// location is reported as is by Location.
func NewWriterSink(w io.Writer, format Format, location string) (*WriterSink, error) {
	switch format {
	case FormatJSON, FormatIon:
	default:
		return nil, fmt.Errorf("unsupported sink format %s", format)
	}
	return &WriterSink{
		w:        bufio.NewWriterSize(w, readBufferSize),
		format:   format,
		location: location,
	}, nil
}

// WriteHit writes source followed by a newline.
func (s *WriterSink) WriteHit(source json.RawMessage) error {
	line := []byte(source)
	switch s.format {
	case FormatJSON:
		// _source is returned as it was indexed, pretty printed or not.
		if bytes.ContainsAny(line, "\r\n") {
			s.scratch.Reset()
			if err := json.Compact(&s.scratch, line); err != nil {
				return fmt.Errorf("invalid document: %w", err)
			}
			line = s.scratch.Bytes()
		}
	case FormatIon:
		var doc any
		if err := jsonAPI.Unmarshal(line, &doc); err != nil {
			return fmt.Errorf("invalid document: %w", err)
		}
		b, err := ion.MarshalText(ionValue(doc))
		if err != nil {
			return fmt.Errorf("failed to encode ion: %w", err)
		}
		line = bytes.TrimSpace(b)
	}
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

// Flush flushes buffered documents to the underlying writer.
func (s *WriterSink) Flush() error {
	return s.w.Flush()
}

// Location returns the location given to NewWriterSink.
func (s *WriterSink) Location() string {
	return s.location
}

// ionValue turns JSON numbers into Ion integers or floats; Ion would
// encode json.Number as a string otherwise.
func ionValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, vv := range v {
			v[k] = ionValue(vv)
		}
		return v
	case []any:
		for i, vv := range v {
			v[i] = ionValue(vv)
		}
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	}
	return v
}
