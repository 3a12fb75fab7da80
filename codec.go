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
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/amzn/ion-go/ion"
	jsoniter "github.com/json-iterator/go"
)

// readBufferSize matches the buffer size used for record files.
const readBufferSize = 32 * 1024

// jsonAPI decodes numbers as json.Number so document IDs and large
// integers survive the round trip to Elasticsearch untouched.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// Format identifies the line encoding of a record file.
type Format uint8

const (
	formatUndetermined Format = iota
	// FormatJSON is one JSON object per line.
	FormatJSON
	// FormatIon is one Amazon Ion text struct per line.
	FormatIon
)

// String returns the name of f.
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatIon:
		return "ion"
	}
	return "undetermined"
}

// ParseFormat parses a format name as accepted by String.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "ndjson":
		return FormatJSON, nil
	case "ion":
		return FormatIon, nil
	}
	return formatUndetermined, fmt.Errorf("unknown format %q", s)
}

// DecodeError is returned when an input line cannot be turned into an
// Operation. It aborts the whole run.
type DecodeError struct {
	// Line holds the 1-based line number of the offending line.
	Line int64
	// Raw holds the offending line.
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("line %d: %v on '%s'", e.Line, e.Err, e.Raw)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// lineReader reads newline delimited lines without any line length limit.
type lineReader struct {
	r    *bufio.Reader
	line int64
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, readBufferSize)}
}

// next returns the next non-blank line, or io.EOF.
func (lr *lineReader) next() ([]byte, error) {
	for {
		b, err := lr.r.ReadBytes('\n')
		if len(b) == 0 && err != nil {
			return nil, err
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
		lr.line++
		b = bytes.TrimRight(b, "\r\n")
		if len(bytes.TrimSpace(b)) == 0 {
			if err == io.EOF {
				return nil, io.EOF
			}
			continue
		}
		return b, nil
	}
}

// lineDecoder decodes record lines. The encoding is detected once, on the
// first decoded line, and kept for the rest of the stream.
type lineDecoder struct {
	format Format
}

func (d *lineDecoder) decode(line []byte) (Record, error) {
	if d.format == formatUndetermined {
		if jsonAPI.Valid(line) {
			d.format = FormatJSON
		} else {
			d.format = FormatIon
		}
	}

	var rec Record
	switch d.format {
	case FormatJSON:
		if err := jsonAPI.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
	case FormatIon:
		if err := ion.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid ion: %w", err)
		}
		for k, v := range rec {
			rec[k] = normalizeIon(v)
		}
	}
	if rec == nil {
		return nil, errors.New("expected an object")
	}
	return rec, nil
}

// normalizeIon converts Ion specific values into types that encode
// losslessly as JSON.
func normalizeIon(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, vv := range v {
			v[k] = normalizeIon(vv)
		}
		return v
	case []any:
		for i, vv := range v {
			v[i] = normalizeIon(vv)
		}
		return v
	case ion.Decimal:
		return decimalNumber(v.String())
	case *ion.Decimal:
		if v == nil {
			return nil
		}
		return decimalNumber(v.String())
	case ion.Timestamp:
		return v.GetDateTime().Format(time.RFC3339Nano)
	case *ion.Timestamp:
		if v == nil {
			return nil
		}
		return v.GetDateTime().Format(time.RFC3339Nano)
	case ion.SymbolToken:
		if v.Text == nil {
			return nil
		}
		return *v.Text
	case *ion.SymbolToken:
		if v == nil || v.Text == nil {
			return nil
		}
		return *v.Text
	case *string:
		if v == nil {
			return nil
		}
		return *v
	case *big.Int:
		if v == nil {
			return nil
		}
		return json.Number(v.String())
	}
	return v
}

// decimalNumber turns the text of an Ion decimal into a JSON number.
// Ion writes the exponent with a 'd' and integral decimals with a
// trailing dot, as in "12." or "1d2", neither of which is valid JSON.
func decimalNumber(text string) any {
	mantissa, exponent, hasExponent := strings.Cut(strings.ToLower(text), "d")
	n := strings.TrimSuffix(mantissa, ".")
	if hasExponent {
		n += "e" + exponent
	}
	if jsonAPI.Valid([]byte(n)) {
		return json.Number(n)
	}
	return text
}
