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
)

var errMissingDocument = errors.New("missing document line")

// OperationSource produces operations in input order.
//
// Next returns io.EOF once the source is exhausted. Any other error
// aborts the run that consumes the source.
type OperationSource interface {
	Next(ctx context.Context) (Operation, error)
}

// OperationSourceFunc adapts a function to OperationSource.
type OperationSourceFunc func(ctx context.Context) (Operation, error)

// Next calls f(ctx).
func (f OperationSourceFunc) Next(ctx context.Context) (Operation, error) {
	return f(ctx)
}

// BulkFileSource reads a file in the Elasticsearch bulk format: an action
// line, followed by a document line unless the action is a delete.
//
// Lines may be JSON or Ion; the encoding is detected from the first line.
type BulkFileSource struct {
	lines *lineReader
	dec   lineDecoder
}

// NewBulkFileSource returns a BulkFileSource reading from r. The caller
// keeps ownership of r.
func NewBulkFileSource(r io.Reader) *BulkFileSource {
	return &BulkFileSource{lines: newLineReader(r)}
}

// Format returns the detected line encoding, which is undetermined
// until the first line has been read.
func (s *BulkFileSource) Format() Format {
	return s.dec.format
}

// Next returns the next operation.
func (s *BulkFileSource) Next(ctx context.Context) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	line, err := s.lines.next()
	if err != nil {
		return Operation{}, readError(err)
	}
	actionLine := s.lines.line
	action, err := s.dec.decode(line)
	if err != nil {
		return Operation{}, &DecodeError{Line: actionLine, Raw: string(line), Err: err}
	}
	op, err := mapBulkAction(action)
	if err != nil {
		return Operation{}, &DecodeError{Line: actionLine, Raw: string(line), Err: err}
	}
	if op.Type == OpDelete {
		return op, nil
	}

	docLine, err := s.lines.next()
	if err == io.EOF {
		return Operation{}, &DecodeError{Line: actionLine, Raw: string(line), Err: errMissingDocument}
	}
	if err != nil {
		return Operation{}, readError(err)
	}
	doc, err := s.dec.decode(docLine)
	if err != nil {
		return Operation{}, &DecodeError{Line: s.lines.line, Raw: string(docLine), Err: err}
	}
	applyDocument(&op, doc)
	return op, nil
}

// RowSource reads one record per line and maps every record with the
// same RowMapping.
type RowSource struct {
	lines   *lineReader
	dec     lineDecoder
	mapping RowMapping
}

// NewRowSource returns a RowSource reading from r. The caller keeps
// ownership of r.
func NewRowSource(r io.Reader, mapping RowMapping) (*RowSource, error) {
	if err := mapping.validate(); err != nil {
		return nil, err
	}
	return &RowSource{lines: newLineReader(r), mapping: mapping}, nil
}

// Format returns the detected line encoding.
func (s *RowSource) Format() Format {
	return s.dec.format
}

// Next returns the next operation.
func (s *RowSource) Next(ctx context.Context) (Operation, error) {
	if err := ctx.Err(); err != nil {
		return Operation{}, err
	}
	line, err := s.lines.next()
	if err != nil {
		return Operation{}, readError(err)
	}
	rec, err := s.dec.decode(line)
	if err == nil {
		var op Operation
		if op, err = s.mapping.mapRow(rec); err == nil {
			return op, nil
		}
	}
	return Operation{}, &DecodeError{Line: s.lines.line, Raw: string(line), Err: err}
}

func readError(err error) error {
	if err == io.EOF {
		return err
	}
	return fmt.Errorf("failed to read source: %w", err)
}
