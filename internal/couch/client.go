// Package couch talks to CouchDB-compatible servers over HTTP.
//
// A Client is one server. It serves as a destination replica (bulk writes,
// drop/create, read-back) and as the identifier store; Client.Shard returns
// one shard database for the load and fetch stages.
//
// Every request goes through a shared rate limiter. Responses are classified
// for internal/retry: 5xx and 429 are retryable, other 4xx are fatal, and
// transport failures are left to retry.Classify.
package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"golang.org/x/time/rate"

	"github.com/abelbrown/blockgraph/internal/docstore"
	"github.com/abelbrown/blockgraph/internal/retry"
)

const (
	// DefaultTimeout bounds one HTTP request.
	DefaultTimeout = 60 * time.Second
	// bulkSize is the most documents sent in one _bulk_docs request by the
	// shard loader and the id store.
	bulkSize = 10000
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code   int
	Method string
	Path   string
	Kind   string // CouchDB "error" field
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("couch: %s %s: %d %s: %s", e.Method, e.Path, e.Code, e.Kind, e.Reason)
}

// Is maps 404 to docstore.ErrNotFound and 409 to docstore.ErrConflict.
func (e *StatusError) Is(target error) bool {
	switch target {
	case docstore.ErrNotFound:
		return e.Code == http.StatusNotFound
	case docstore.ErrConflict:
		return e.Code == http.StatusConflict
	}
	return false
}

// Options tunes a Client.
type Options struct {
	RequestsPerSecond float64 // <= 0 is unlimited
	Burst             int
	Timeout           time.Duration
	HTTPClient        *http.Client // overrides Timeout when set
	Retry             retry.Policy // shard chunk writes; zero is retry.DefaultPolicy
}

// Client is a CouchDB server. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	name    string
	http    *http.Client
	limiter *rate.Limiter
	policy  retry.Policy

	ids     string
	designs map[string][]DesignDoc
}

// New returns a Client for the server at rawURL. A path in rawURL is ignored.
func New(rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("couch: parse %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("couch: unsupported scheme in %q", rawURL)
	}
	u.Path, u.RawPath, u.RawQuery = "", "", ""

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	policy := opts.Retry
	if policy.Attempts <= 0 {
		policy = retry.DefaultPolicy()
	}
	return &Client{
		base:    u,
		name:    u.Host,
		http:    hc,
		limiter: rate.NewLimiter(limit, burst),
		policy:  policy,
		ids:     docstore.DefaultCollections().BlockIDs,
		designs: make(map[string][]DesignDoc),
	}, nil
}

// SplitEndpoint splits "http://host:5984/db" into the server URL and the
// database name.
func SplitEndpoint(raw string) (server, db string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("couch: parse %q: %w", raw, err)
	}
	db = strings.Trim(u.Path, "/")
	if db == "" || strings.Contains(db, "/") {
		return "", "", fmt.Errorf("couch: endpoint %q must name exactly one database", raw)
	}
	u.Path, u.RawPath, u.RawQuery = "", "", ""
	return u.String(), db, nil
}

// Name identifies the server in logs and metrics.
func (c *Client) Name() string {
	return c.name
}

// SetIDCollection sets the database that holds identifier assignments.
func (c *Client) SetIDCollection(name string) {
	c.ids = name
}

// InstallOnCreate registers design documents that Create installs into
// collection.
func (c *Client) InstallOnCreate(collection string, docs ...DesignDoc) {
	c.designs[collection] = append(c.designs[collection], docs...)
}

// do sends one request and returns the response body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("couch: rate limiter: %w", err)
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, retry.AsFatal(fmt.Errorf("couch: marshal %s %s: %w", method, path, err))
		}
		rd = bytes.NewReader(data)
	}
	u := *c.base
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return nil, retry.AsFatal(fmt.Errorf("couch: bad path %q: %w", path, err))
	}
	u.Path, u.RawPath = unescaped, path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, retry.AsFatal(fmt.Errorf("couch: build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("couch: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.AsRetryable(fmt.Errorf("couch: read %s %s: %w", method, path, err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	se := &StatusError{Code: resp.StatusCode, Method: method, Path: path}
	se.Kind, _ = jsonparser.GetString(data, "error")
	se.Reason, _ = jsonparser.GetString(data, "reason")
	if se.Kind == "" {
		se.Kind = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, retry.AsRetryable(se)
	}
	return nil, retry.AsFatal(se)
}

// dbPath builds an escaped path under db. rest segments are escaped one by
// one.
func dbPath(db string, rest ...string) string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(url.PathEscape(db))
	for _, r := range rest {
		b.WriteString("/")
		b.WriteString(url.PathEscape(r))
	}
	return b.String()
}

// docPath builds the path of one document. A design document keeps its
// "_design/" prefix as a separate segment; any other id is one segment.
func docPath(db, id string) string {
	if name, ok := strings.CutPrefix(id, "_design/"); ok {
		return dbPath(db, "_design", name)
	}
	return dbPath(db, id)
}

// jsonKey encodes a view key parameter. Keys are strings, bools, empty
// objects and arrays of them, which always marshal.
func jsonKey(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// createDB creates db, treating an existing database as success.
func (c *Client) createDB(ctx context.Context, db string) error {
	_, err := c.do(ctx, http.MethodPut, dbPath(db), nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusPreconditionFailed {
		return nil
	}
	return err
}

// isConflict reports whether a per-document bulk error is an id conflict.
func isConflict(e docstore.DocError) bool {
	return strings.HasPrefix(e.Reason, "conflict:")
}

// bulkResult reads a _bulk_docs response.
func bulkResult(body []byte) (docstore.BulkResult, error) {
	var res docstore.BulkResult
	_, err := jsonparser.ArrayEach(body, func(v []byte, _ jsonparser.ValueType, _ int, _ error) {
		id, _ := jsonparser.GetString(v, "id")
		kind, err := jsonparser.GetString(v, "error")
		if err != nil {
			res.Written++
			return
		}
		reason, _ := jsonparser.GetString(v, "reason")
		res.Errors = append(res.Errors, docstore.DocError{ID: id, Reason: kind + ": " + reason})
	})
	if err != nil {
		return res, retry.AsFatal(fmt.Errorf("couch: parse bulk response: %w", err))
	}
	return res, nil
}
