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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// RowMapping describes how rows of a record file become operations.
// The operation kind is fixed for the whole file.
type RowMapping struct {
	// Index holds the target index of every row. If empty, the
	// loader's DefaultIndex is used.
	Index string

	// OpType holds the operation performed for every row.
	//
	// If OpType is zero, OpIndex is used. OpUpdate turns each row
	// into an upserting partial update; OpUpdate and OpDelete need
	// IDKey.
	OpType OpType

	// IDKey holds the row field used as document ID. If empty,
	// Elasticsearch generates IDs.
	IDKey string

	// KeepIDKey keeps the IDKey field in the indexed document. By
	// default it is removed.
	KeepIDKey bool
}

func (m RowMapping) validate() error {
	switch m.OpType {
	case 0, OpIndex, OpCreate:
	case OpUpdate, OpDelete:
		if m.IDKey == "" {
			return fmt.Errorf("%s rows require an id key", m.OpType)
		}
	default:
		return fmt.Errorf("unknown operation type %s", m.OpType)
	}
	return nil
}

// mapRow turns one row into an operation. The row is owned by the
// returned operation afterwards.
func (m RowMapping) mapRow(rec Record) (Operation, error) {
	op := Operation{Type: m.OpType, Index: m.Index}
	if op.Type == 0 {
		op.Type = OpIndex
	}
	if m.IDKey != "" {
		v, ok := rec[m.IDKey]
		if !ok || v == nil {
			return Operation{}, fmt.Errorf("missing id key %q", m.IDKey)
		}
		op.ID = formatID(v)
		if !m.KeepIDKey {
			delete(rec, m.IDKey)
		}
	}
	switch op.Type {
	case OpDelete:
	case OpUpdate:
		op.Body = rec
		op.DocAsUpsert = true
	default:
		op.Body = rec
	}
	return op, nil
}

var errMultipleActions = errors.New("expected exactly one bulk action")

// mapBulkAction turns an action line into an operation. The document
// of index, create and update operations is attached by applyDocument.
func mapBulkAction(action Record) (Operation, error) {
	if len(action) != 1 {
		return Operation{}, errMultipleActions
	}
	var (
		name string
		meta any
	)
	for name, meta = range action {
	}
	t, err := ParseOpType(name)
	if err != nil {
		return Operation{}, err
	}
	op := Operation{Type: t}
	switch meta := meta.(type) {
	case nil:
	case map[string]any:
		if v, ok := meta["_index"]; ok && v != nil {
			op.Index = formatID(v)
		}
		if v, ok := meta["_id"]; ok && v != nil {
			op.ID = formatID(v)
		}
		for _, k := range []string{"routing", "_routing"} {
			if v, ok := meta[k]; ok && v != nil {
				op.Routing = formatID(v)
			}
		}
	default:
		return Operation{}, fmt.Errorf("invalid %s metadata of type %T", name, meta)
	}
	return op, nil
}

// applyDocument attaches the document line following an action line.
//
// Update documents in the bulk format wrap the partial document in
// "doc"; other update bodies are used as the partial document as is.
// Updates upsert unless the document line says otherwise.
func applyDocument(op *Operation, doc Record) {
	if op.Type != OpUpdate {
		op.Body = doc
		return
	}
	op.DocAsUpsert = true
	partial, ok := doc["doc"].(map[string]any)
	if !ok {
		op.Body = doc
		return
	}
	op.Body = partial
	if upsert, ok := doc["doc_as_upsert"].(bool); ok {
		op.DocAsUpsert = upsert
	}
}

func formatID(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
