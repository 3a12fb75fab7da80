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
	"encoding/json"
	"errors"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/elastic/go-docstream"
)

type searchSummary struct {
	Size     int               `json:"size"`
	Total    int64             `json:"total"`
	Rows     []json.RawMessage `json:"rows,omitempty"`
	Row      json.RawMessage   `json:"row,omitempty"`
	Location string            `json:"location,omitempty"`
	Requests int64             `json:"requests"`
	Took     string            `json:"took"`
}

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var (
		req       docstream.SearchRequest
		query     string
		fetchType string
		output    string
		format    string
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Run a search and print or store the hits of its result page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fetch, err := docstream.ParseFetchType(fetchType)
			if err != nil {
				return err
			}
			f, err := docstream.ParseFormat(format)
			if err != nil {
				return err
			}
			if query != "" {
				if !jsoniter.Valid([]byte(query)) {
					return errors.New("--query must be a JSON search body")
				}
				req.Body = []byte(query)
			}
			logger, err := opts.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer logger.Sync()
			client, err := opts.client()
			if err != nil {
				return err
			}
			exporter, err := docstream.NewExporter(client, docstream.ExporterConfig{Logger: logger})
			if err != nil {
				return err
			}

			var result docstream.SearchResult
			if fetch == docstream.FetchStore {
				sink, err := docstream.CreateFileSink(output, f)
				if err != nil {
					return err
				}
				result, err = exporter.Search(cmd.Context(), req, fetch, sink)
				if closeErr := sink.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return err
				}
			} else if result, err = exporter.Search(cmd.Context(), req, fetch, nil); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), searchSummary{
				Size:     result.Size,
				Total:    result.Total,
				Rows:     result.Rows,
				Row:      result.Row,
				Location: result.Location,
				Requests: result.Metrics.Requests,
				Took:     result.Metrics.Duration.String(),
			})
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&req.Indices, "index", nil, "index to search, may be repeated")
	flags.StringVar(&query, "query", "", `JSON search body, e.g. {"query":{"match_all":{}}}`)
	flags.StringSliceVar(&req.Routing, "routing", nil, "routing value, may be repeated")
	flags.IntVar(&req.Size, "size", 0, "number of hits")
	flags.StringVar(&fetchType, "fetch", "fetch", "hits to return: fetch, fetch_one, store or none")
	flags.StringVarP(&output, "output", "o", "", "output file or file:// URI with --fetch store; a temporary file if empty")
	flags.StringVar(&format, "format", "json", "output format with --fetch store: json or ion")
	return cmd
}
