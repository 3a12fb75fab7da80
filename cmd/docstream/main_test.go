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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/go-docstream"
	"github.com/elastic/go-docstream/docstreamtest"
)

func runCmd(t *testing.T, mux *http.ServeMux, args ...string) (string, error) {
	t.Helper()
	cfg := docstreamtest.NewMockElasticsearchClientConfig(t, mux)
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--address", cfg.Addresses[0], "--log-level", "debug"))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestBulkCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulk.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(`{"index":{"_id":"1"}}
{"a":1}
{"delete":{"_index":"other","_id":"2"}}
{"create":{}}
{"a":3}
`), 0o644))

	var indices []string
	mux := http.NewServeMux()
	docstreamtest.HandleBulk(mux, func(w http.ResponseWriter, r *http.Request) {
		items, result := docstreamtest.DecodeBulkRequest(r)
		for _, item := range items {
			indices = append(indices, item.Index)
		}
		json.NewEncoder(w).Encode(result)
	})

	out, err := runCmd(t, mux, "bulk", path, "--index", "default", "--chunk", "2", "--compression", "1")
	require.NoError(t, err)

	var summary loadSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, int64(3), summary.Records)
	assert.Equal(t, int64(2), summary.Requests)
	assert.Equal(t, []string{"default", "other", "default"}, indices)
}

func TestLoadCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\"}\n{\"id\":\"b\"}\n"), 0o644))

	var items []docstreamtest.BulkItem
	mux := http.NewServeMux()
	docstreamtest.HandleBulk(mux, func(w http.ResponseWriter, r *http.Request) {
		decoded, result := docstreamtest.DecodeBulkRequest(r)
		items = decoded
		json.NewEncoder(w).Encode(result)
	})

	out, err := runCmd(t, mux, "load", path, "--index", "rows", "--id-key", "id", "--op-type", "delete")
	require.NoError(t, err)
	assert.Contains(t, out, `"records": 2`)
	assert.Equal(t, []docstreamtest.BulkItem{
		{Action: "delete", Index: "rows", ID: "a"},
		{Action: "delete", Index: "rows", ID: "b"},
	}, items)
}

func TestLoadCommandInvalidFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	mux := http.NewServeMux()

	_, err := runCmd(t, mux, "load", path, "--index", "rows", "--op-type", "upsert")
	assert.EqualError(t, err, `invalid bulk action "upsert"`)

	_, err = runCmd(t, mux, "load", path)
	assert.ErrorContains(t, err, `required flag(s) "index" not set`)

	_, err = runCmd(t, mux, "load", path, "--index", "rows", "--op-type", "update")
	assert.EqualError(t, err, "update rows require an id key")
}

func TestChunkFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	mux := http.NewServeMux()
	docstreamtest.HandleBulk(mux, func(http.ResponseWriter, *http.Request) {
		t.Error("unexpected bulk request")
	})

	for _, args := range [][]string{
		{"bulk", path, "--chunk", "0"},
		{"bulk", path, "--chunk", "-3"},
		{"load", path, "--index", "rows", "--chunk", "0"},
	} {
		_, err := runCmd(t, mux, args...)
		assert.ErrorIs(t, err, docstream.ErrInvalidChunkSize, args)
		assert.ErrorContains(t, err, "--chunk: chunk size must be at least 1", args)
	}
}

func TestScrollCommand(t *testing.T) {
	srv := docstreamtest.NewScrollServer(12)
	mux := http.NewServeMux()
	srv.Register(mux)

	output := filepath.Join(t.TempDir(), "export.ndjson")
	out, err := runCmd(t, mux, "scroll",
		"--index", "logs",
		"--query", `{"query":{"match_all":{}}}`,
		"--size", "5",
		"--output", output,
	)
	require.NoError(t, err)

	var summary exportSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, int64(12), summary.Records)
	assert.Equal(t, int64(3), summary.Requests)
	assert.True(t, strings.HasSuffix(summary.Location, "/export.ndjson"), summary.Location)

	b, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, 12, strings.Count(string(b), "\n"))
	assert.Len(t, srv.Cleared(), 1)
}

func TestScrollCommandInvalidQuery(t *testing.T) {
	_, err := runCmd(t, http.NewServeMux(), "scroll", "--query", "{match_all}")
	assert.EqualError(t, err, "--query must be a JSON search body")

	_, err = runCmd(t, http.NewServeMux(), "scroll", "--format", "csv")
	assert.EqualError(t, err, `unknown format "csv"`)
}

func TestSearchCommand(t *testing.T) {
	srv := docstreamtest.NewScrollServer(12)
	mux := http.NewServeMux()
	srv.Register(mux)

	out, err := runCmd(t, mux, "search", "--index", "logs", "--size", "2", "--fetch", "fetch_one")
	require.NoError(t, err)
	var summary searchSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 1, summary.Size)
	assert.Equal(t, int64(12), summary.Total)
	assert.JSONEq(t, `{"n":0}`, string(summary.Row))
	assert.Empty(t, summary.Rows)
	assert.Equal(t, int64(1), summary.Requests)

	output := filepath.Join(t.TempDir(), "hits.ndjson")
	out, err = runCmd(t, mux, "search", "--size", "5", "--fetch", "store", "-o", output)
	require.NoError(t, err)
	summary = searchSummary{}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 5, summary.Size)
	assert.True(t, strings.HasSuffix(summary.Location, "/hits.ndjson"), summary.Location)
	b, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(string(b), "\n"))

	_, err = runCmd(t, mux, "search", "--fetch", "all")
	assert.EqualError(t, err, `unknown fetch type "all"`)
	assert.Empty(t, srv.Cleared())
}
