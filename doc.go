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

// Package docstream moves documents between record files and
// Elasticsearch in bulk.
//
// Loader reads operations from a file in the Elasticsearch bulk format,
// or from a file holding one record per line, and writes them in fixed
// size bulk requests. Exporter runs a search and writes every hit to a
// Sink through a scroll cursor. Both stream their input, so files and
// result sets may be far larger than memory, and both fail fast: the
// first rejected item, transport error or malformed line ends the run.
//
// Record files hold JSON or Amazon Ion text, one value per line. The
// encoding is detected from the first line.
package docstream
