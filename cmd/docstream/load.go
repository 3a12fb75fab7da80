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
	"github.com/spf13/cobra"

	"github.com/elastic/go-docstream"
)

func newLoadCmd(opts *globalOptions) *cobra.Command {
	var (
		chunkSize int
		opType    string
		mapping   docstream.RowMapping
	)
	cmd := &cobra.Command{
		Use:   "load FILE",
		Short: "Load a file holding one JSON or Ion record per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkChunkSize(chunkSize); err != nil {
				return err
			}
			var err error
			if mapping.OpType, err = docstream.ParseOpType(opType); err != nil {
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
				Logger:    logger,
				ChunkSize: chunkSize,
			})
			if err != nil {
				return err
			}

			r, err := docstream.OpenLocation(args[0])
			if err != nil {
				return err
			}
			defer r.Close()
			result, err := loader.LoadRows(cmd.Context(), r, mapping)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), newLoadSummary(result))
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&mapping.Index, "index", "", "target index")
	flags.StringVar(&mapping.IDKey, "id-key", "", "record field holding the document id")
	flags.BoolVar(&mapping.KeepIDKey, "keep-id-key", false, "keep the id field in the document")
	flags.StringVar(&opType, "op-type", "index", "operation of every record: index, create, update or delete")
	flags.IntVar(&chunkSize, "chunk", docstream.DefaultChunkSize, "number of operations per bulk request")
	cmd.MarkFlagRequired("index")
	return cmd
}
