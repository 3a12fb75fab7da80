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

package docstreamtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// DefaultPageSize is the page size of ScrollServer when the search
// request does not set one.
const DefaultPageSize = 10

// Search is a search request received by ScrollServer.
type Search struct {
	Path  string
	Query url.Values
	Body  []byte
}

// ScrollServer is a fake Elasticsearch serving a fixed result set
// through search, scroll and clear scroll requests. Every page hands
// out a new scroll id, and only the latest one is accepted.
type ScrollServer struct {
	// Docs holds the result set.
	Docs []json.RawMessage

	// FailPage holds the 1-based number of the scroll request that
	// fails with a 500 response. Zero disables failures.
	FailPage int

	// FailClear makes clear scroll requests fail with a 500 response.
	FailClear bool

	mu         sync.Mutex
	scrolling  bool
	pageSize   int
	offset     int
	pages      int
	lastID     string
	searches   []Search
	scrollIDs  []string
	clearedIDs []string
}

// NewScrollServer returns a ScrollServer holding n documents of the
// form {"n":i}.
func NewScrollServer(n int) *ScrollServer {
	s := &ScrollServer{}
	for i := 0; i < n; i++ {
		s.Docs = append(s.Docs, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}
	return s
}

// Register registers the search and scroll handlers with mux.
func (s *ScrollServer) Register(mux *http.ServeMux) {
	HandleSearch(mux, s.handleSearch)
	HandleScroll(mux, s.handleScroll)
}

// Searches returns the search requests received so far.
func (s *ScrollServer) Searches() []Search {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Search(nil), s.searches...)
}

// ScrollIDs returns the scroll ids of the next page requests received.
func (s *ScrollServer) ScrollIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scrollIDs...)
}

// Cleared returns the scroll ids of the clear scroll requests received.
func (s *ScrollServer) Cleared() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clearedIDs...)
}

// LastScrollID returns the last scroll id handed out.
func (s *ScrollServer) LastScrollID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

func (s *ScrollServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches = append(s.searches, Search{Path: r.URL.Path, Query: r.URL.Query(), Body: body})
	s.pageSize = DefaultPageSize
	if size := r.URL.Query().Get("size"); size != "" {
		fmt.Sscan(size, &s.pageSize)
	}
	s.offset = 0
	s.pages = 0
	s.scrolling = r.URL.Query().Has("scroll")
	s.writePage(w)
}

func (s *ScrollServer) handleScroll(w http.ResponseWriter, r *http.Request) {
	id := scrollID(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Method == http.MethodDelete {
		s.clearedIDs = append(s.clearedIDs, id)
		if s.FailClear {
			http.Error(w, `{"error":"simulated clear failure"}`, http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"succeeded":true,"num_freed":1}`)
		return
	}

	s.scrollIDs = append(s.scrollIDs, id)
	if id != s.lastID {
		http.Error(w, `{"error":"search_context_missing_exception"}`, http.StatusNotFound)
		return
	}
	s.pages++
	if s.FailPage != 0 && s.pages == s.FailPage {
		http.Error(w, `{"error":"simulated scroll failure"}`, http.StatusInternalServerError)
		return
	}
	s.writePage(w)
}

func (s *ScrollServer) writePage(w http.ResponseWriter) {
	end := min(s.offset+s.pageSize, len(s.Docs))
	hits := make([]map[string]json.RawMessage, 0, end-s.offset)
	for _, doc := range s.Docs[s.offset:end] {
		hits = append(hits, map[string]json.RawMessage{"_source": doc})
	}
	s.offset = end

	resp := map[string]any{
		"took": 1,
		"hits": map[string]any{
			"total": map[string]any{"value": len(s.Docs), "relation": "eq"},
			"hits":  hits,
		},
	}
	// Only searches opening a scroll get a scroll id.
	if s.scrolling {
		s.lastID = fmt.Sprintf("scroll-%d", s.pages)
		resp["_scroll_id"] = s.lastID
	}
	json.NewEncoder(w).Encode(resp)
}

// scrollID extracts the scroll id from the body, the query or the path.
func scrollID(r *http.Request) string {
	var body struct {
		ScrollID any `json:"scroll_id"`
	}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 && json.Unmarshal(b, &body) == nil {
		switch id := body.ScrollID.(type) {
		case string:
			return id
		case []any:
			if len(id) > 0 {
				return fmt.Sprint(id[0])
			}
		}
	}
	if id := r.URL.Query().Get("scroll_id"); id != "" {
		return id
	}
	return strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/_search/scroll"), "/")
}
