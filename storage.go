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
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// locationPath resolves a file:// URI or a plain path to a file path.
func locationPath(location string) (string, error) {
	if !strings.Contains(location, "://") {
		return location, nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid location %q: %w", location, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported location scheme %q", u.Scheme)
	}
	return u.Path, nil
}

func fileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

type gzipReadCloser struct {
	*gzip.Reader
	f *os.File
}

func (r gzipReadCloser) Close() error {
	return errors.Join(r.Reader.Close(), r.f.Close())
}

// OpenLocation opens the record file at location, a file:// URI or a
// path. Files with a .gz extension are decompressed while reading.
//
// The caller owns the returned reader and must close it.
func OpenLocation(location string) (io.ReadCloser, error) {
	path, err := locationPath(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read gzip header of %s: %w", path, err)
	}
	return gzipReadCloser{Reader: gr, f: f}, nil
}

// FileSink is a Sink writing to a local file. Files with a .gz extension
// are gzip compressed.
type FileSink struct {
	*WriterSink
	f  *os.File
	gz *gzip.Writer
}

// CreateFileSink creates the file at location, a file:// URI or a path.
// If location is empty, a temporary file is created.
func CreateFileSink(location string, format Format) (*FileSink, error) {
	var (
		f   *os.File
		err error
	)
	if location == "" {
		f, err = os.CreateTemp("", "docstream-*."+format.String())
	} else {
		var path string
		if path, err = locationPath(location); err == nil {
			f, err = os.Create(path)
		}
	}
	if err != nil {
		return nil, err
	}

	s := &FileSink{f: f}
	var w io.Writer = f
	if strings.HasSuffix(f.Name(), ".gz") {
		s.gz = gzip.NewWriter(f)
		w = s.gz
	}
	if s.WriterSink, err = NewWriterSink(w, format, fileURI(f.Name())); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return s, nil
}

// Flush flushes buffered documents to the file.
func (s *FileSink) Flush() error {
	if err := s.WriterSink.Flush(); err != nil {
		return err
	}
	if s.gz != nil {
		return s.gz.Flush()
	}
	return nil
}

// Close flushes pending documents and closes the file.
func (s *FileSink) Close() error {
	err := s.WriterSink.Flush()
	if s.gz != nil {
		err = errors.Join(err, s.gz.Close())
	}
	return errors.Join(err, s.f.Close())
}
