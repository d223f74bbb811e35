package couch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeCouch is an in-memory server covering the endpoints this package
// calls. Views are evaluated natively for the two shard designs.
type fakeCouch struct {
	mu    sync.Mutex
	dbs   map[string]map[string]map[string]any
	seq   int
	fail  map[string][]int // path -> status codes returned before serving
	cut   map[string]int   // bulk path -> docs stored before the next request fails
	calls []string
}

func newFakeCouch(t *testing.T) (*fakeCouch, *httptest.Server) {
	t.Helper()
	f := &fakeCouch{dbs: map[string]map[string]map[string]any{}, fail: map[string][]int{}, cut: map[string]int{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func couchErr(w http.ResponseWriter, code int, kind, reason string) {
	writeJSON(w, code, map[string]string{"error": kind, "reason": reason})
}

func (f *fakeCouch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.EscapedPath()
	f.calls = append(f.calls, r.Method+" "+path)
	if codes := f.fail[path]; len(codes) > 0 {
		f.fail[path] = codes[1:]
		couchErr(w, codes[0], "injected", "injected failure")
		return
	}

	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, s := range segs {
		segs[i], _ = url.PathUnescape(s)
	}
	db := segs[0]
	docs, exists := f.dbs[db]

	switch {
	case len(segs) == 1 && r.Method == http.MethodPut:
		if exists {
			couchErr(w, http.StatusPreconditionFailed, "file_exists", "The database could not be created, the file already exists.")
			return
		}
		f.dbs[db] = map[string]map[string]any{}
		writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	case len(segs) == 1 && r.Method == http.MethodDelete:
		if !exists {
			couchErr(w, http.StatusNotFound, "not_found", "Database does not exist.")
			return
		}
		delete(f.dbs, db)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case !exists:
		couchErr(w, http.StatusNotFound, "not_found", "Database does not exist.")
	case len(segs) == 2 && segs[1] == "_bulk_docs":
		f.bulk(w, r, docs, path)
	case len(segs) == 2 && segs[1] == "_all_docs":
		f.allDocs(w, r, docs)
	case len(segs) == 5 && segs[1] == "_design" && segs[3] == "_view":
		f.view(w, r, docs, segs[4])
	case len(segs) == 3 && segs[1] == "_design" && r.Method == http.MethodPut:
		f.put(w, r, docs, "_design/"+segs[2])
	case len(segs) == 2 && r.Method == http.MethodGet:
		doc, ok := docs[segs[1]]
		if !ok {
			couchErr(w, http.StatusNotFound, "not_found", "missing")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	default:
		couchErr(w, http.StatusBadRequest, "bad_request", "unsupported "+r.Method+" "+path)
	}
}

func (f *fakeCouch) put(w http.ResponseWriter, r *http.Request, docs map[string]map[string]any, id string) {
	if _, ok := docs[id]; ok {
		couchErr(w, http.StatusConflict, "conflict", "Document update conflict.")
		return
	}
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		couchErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	doc["_rev"] = "1-x"
	docs[id] = doc
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": id})
}

func (f *fakeCouch) bulk(w http.ResponseWriter, r *http.Request, docs map[string]map[string]any, path string) {
	var req struct {
		Docs []map[string]any `json:"docs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		couchErr(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	keep, cut := f.cut[path]
	if cut {
		delete(f.cut, path)
		req.Docs = req.Docs[:min(keep, len(req.Docs))]
	}
	out := []map[string]any{}
	defer func() {
		if cut {
			couchErr(w, http.StatusServiceUnavailable, "injected", "connection lost mid-chunk")
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}()
	for _, d := range req.Docs {
		id, _ := d["_id"].(string)
		if id == "" {
			f.seq++
			id = fmt.Sprintf("auto%06d", f.seq)
			d["_id"] = id
		}
		if strings.HasPrefix(id, "_") {
			out = append(out, map[string]any{"id": id, "error": "illegal_docid", "reason": "Only reserved document ids may start with underscore."})
			continue
		}
		if _, ok := docs[id]; ok {
			out = append(out, map[string]any{"id": id, "error": "conflict", "reason": "Document update conflict."})
			continue
		}
		d["_rev"] = "1-x"
		docs[id] = d
		out = append(out, map[string]any{"ok": true, "id": id, "rev": "1-x"})
	}
}

func queryString(r *http.Request, name string) (string, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return "", false
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", false
	}
	return s, true
}

func queryInt(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return n
}

func page[T any](rows []T, skip, limit int) []T {
	if skip > len(rows) {
		skip = len(rows)
	}
	rows = rows[skip:]
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func (f *fakeCouch) allDocs(w http.ResponseWriter, r *http.Request, docs map[string]map[string]any) {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	start, hasStart := queryString(r, "startkey")
	end, hasEnd := queryString(r, "endkey")
	rows := []map[string]any{}
	for _, id := range ids {
		if hasStart && id < start || hasEnd && id > end {
			continue
		}
		row := map[string]any{"id": id, "key": id, "value": map[string]string{"rev": "1-x"}}
		if r.URL.Query().Get("include_docs") == "true" {
			row["doc"] = docs[id]
		}
		rows = append(rows, row)
	}
	rows = page(rows, queryInt(r, "skip", 0), queryInt(r, "limit", -1))
	writeJSON(w, http.StatusOK, map[string]any{"total_rows": len(docs), "rows": rows})
}

type factRow struct {
	id       string
	block    string
	neighbor string
	reversed bool
	hints    any
}

func (a factRow) less(b factRow) bool {
	if a.block != b.block {
		return a.block < b.block
	}
	if a.neighbor != b.neighbor {
		return a.neighbor < b.neighbor
	}
	if a.reversed != b.reversed {
		return !a.reversed
	}
	return a.id < b.id
}

func (f *fakeCouch) view(w http.ResponseWriter, r *http.Request, docs map[string]map[string]any, name string) {
	switch name {
	case countsDesign:
		sums := map[string]float64{}
		for _, d := range docs {
			if d["type"] == docTypeCount {
				sums[d["block"].(string)] += d["count"].(float64)
			}
		}
		keys := make([]string, 0, len(sums))
		for k := range sums {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		start, hasStart := queryString(r, "startkey")
		rows := []map[string]any{}
		for _, k := range keys {
			if hasStart && k < start {
				continue
			}
			rows = append(rows, map[string]any{"key": k, "value": sums[k]})
		}
		rows = page(rows, queryInt(r, "skip", 0), queryInt(r, "limit", -1))
		writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
	case factsDesign:
		var all []factRow
		for id, d := range docs {
			if d["type"] == docTypeFact {
				all = append(all, factRow{id: id, block: d["block"].(string), neighbor: d["neighbor"].(string), reversed: d["reversed"].(bool), hints: d["hints"]})
			}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].less(all[j]) })

		var startKey, endKey []any
		json.Unmarshal([]byte(r.URL.Query().Get("startkey")), &startKey)
		json.Unmarshal([]byte(r.URL.Query().Get("endkey")), &endKey)
		block := endKey[0].(string)
		from := factRow{block: startKey[0].(string)}
		if len(startKey) == 3 {
			from.neighbor = startKey[1].(string)
			from.reversed = startKey[2].(bool)
			from.id = r.URL.Query().Get("startkey_docid")
		}
		rows := []map[string]any{}
		for _, fr := range all {
			if fr.less(from) || fr.block != block {
				continue
			}
			rows = append(rows, map[string]any{"id": fr.id, "key": []any{fr.block, fr.neighbor, fr.reversed}, "value": fr.hints})
		}
		rows = page(rows, queryInt(r, "skip", 0), queryInt(r, "limit", -1))
		writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
	default:
		couchErr(w, http.StatusNotFound, "not_found", "missing_named_view")
	}
}
