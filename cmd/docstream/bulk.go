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
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/elastic/go-docstream"
)

type loadSummary struct {
	Records  int64  `json:"records"`
	Requests int64  `json:"requests"`
	Took     string `json:"took"`
}

func newLoadSummary(result docstream.LoadResult) loadSummary {
	return loadSummary{
		Records:  result.Records,
		Requests: result.Metrics.Requests,
		Took:     result.Metrics.Duration.String(),
	}
}

func newBulkCmd(opts *globalOptions) *cobra.Command {
	var (
		chunkSize   int
		index       string
		compression int
	)
	cmd := &cobra.Command{
		Use:   "bulk FILE",
		Short: "Load a file in the Elasticsearch bulk format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkChunkSize(chunkSize); err != nil {
				return err
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
			loader, err := docstream.NewLoader(client, docstream.LoaderConfig{
				Logger:           logger,
				ChunkSize:        chunkSize,
				DefaultIndex:     index,
				CompressionLevel: compression,
			})
			if err != nil {
				return err
			}

			r, err := docstream.OpenLocation(args[0])
			if err != nil {
				return err
			}
			defer r.Close()
			result, err := loader.LoadBulkFile(cmd.Context(), r)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), newLoadSummary(result))
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&chunkSize, "chunk", docstream.DefaultChunkSize, "number of operations per bulk request")
	flags.StringVar(&index, "index", "", "index of operations that do not name one")
	flags.IntVar(&compression, "compression", gzip.NoCompression, "gzip level of bulk requests, -1 to 9")
	return cmd
}
