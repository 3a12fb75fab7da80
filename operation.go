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
	"errors"
	"fmt"
)

// Record is a single decoded input unit, mapping field names to values.
type Record = map[string]any

// OpType identifies the kind of a bulk write operation.
type OpType uint8

const (
	// OpIndex creates or replaces a document.
	OpIndex OpType = iota + 1
	// OpCreate creates a document, failing if it already exists.
	OpCreate
	// OpUpdate partially updates a document.
	OpUpdate
	// OpDelete deletes a document.
	OpDelete
)

// String returns the bulk API action name of t.
func (t OpType) String() string {
	switch t {
	case OpIndex:
		return "index"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("OpType(%d)", uint8(t))
}

// ParseOpType parses a bulk API action name.
func ParseOpType(s string) (OpType, error) {
	switch s {
	case "index":
		return OpIndex, nil
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("invalid bulk action %q", s)
}

var (
	errMissingBody    = errors.New("missing document body")
	errUnexpectedBody = errors.New("delete operation must not carry a document body")
	errUnexpectedUps  = errors.New("doc_as_upsert is only valid for update operations")
)

// Operation is a single document level write operation of a bulk request.
type Operation struct {
	// Type holds the operation kind. It must be set.
	Type OpType

	// Index holds the target index. If empty, the loader's default
	// index is used, and if that is empty too, Elasticsearch rejects
	// the item.
	Index string

	// ID holds the document ID. If empty, Elasticsearch assigns one;
	// update and delete operations need it.
	ID string

	// Routing holds an optional custom routing value.
	Routing string

	// Body holds the document for index and create operations, and
	// the partial document for update operations. Delete operations
	// have no body.
	Body Record

	// DocAsUpsert indexes Body as a new document if the update
	// target does not exist.
	DocAsUpsert bool
}

// Validate checks that o is internally consistent.
func (o Operation) Validate() error {
	switch o.Type {
	case OpIndex, OpCreate, OpUpdate:
		if o.Body == nil {
			return fmt.Errorf("%s: %w", o.Type, errMissingBody)
		}
	case OpDelete:
		if o.Body != nil {
			return errUnexpectedBody
		}
	default:
		return fmt.Errorf("unknown operation type %s", o.Type)
	}
	if o.DocAsUpsert && o.Type != OpUpdate {
		return errUnexpectedUps
	}
	return nil
}
