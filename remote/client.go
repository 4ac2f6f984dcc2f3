// Package remote is the REST transport of the sync layer. A Client implements
// syncer.Source, queue.Replayer and lineage.Fetcher against one API base URL.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/unkn0wn-root/herdsync"
	"github.com/unkn0wn-root/herdsync/internal/util"
	"github.com/unkn0wn-root/herdsync/lineage"
	"github.com/unkn0wn-root/herdsync/queue"
	"github.com/unkn0wn-root/herdsync/syncer"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultCSRFCookie   = "csrftoken"
	defaultCSRFHeader   = "X-CSRFToken"
	defaultMaxBodyBytes = 16 << 20
)

type Options struct {
	BaseURL string // required, e.g. "https://farm.example/api/"

	// HTTPClient nil => a client with a cookie jar and Timeout. A client
	// without a Jar sends no session cookies and echoes no CSRF token.
	HTTPClient *http.Client
	Timeout    time.Duration // 0 => 30s; ignored with HTTPClient

	CSRFCookie string // cookie holding the anti-forgery token; "" => "csrftoken"
	CSRFHeader string // header echoing it on writes; "" => "X-CSRFToken"

	Headers      map[string]string // sent with every request
	UserAgent    string
	MaxBodyBytes int64 // response size limit; 0 => 16 MiB

	Logger herdsync.Logger
}

type Client struct {
	base       *url.URL
	http       *http.Client
	csrfCookie string
	csrfHeader string
	headers    map[string]string
	userAgent  string
	maxBody    int64
	log        herdsync.Logger
}

var (
	_ syncer.Source   = (*Client)(nil)
	_ queue.Replayer  = (*Client)(nil)
	_ lineage.Fetcher = (*Client)(nil)
)

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("remote: Options.BaseURL is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: base url %q: scheme must be http or https", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("remote: cookie jar: %w", err)
		}
		hc = &http.Client{Jar: jar, Timeout: util.Coalesce(opts.Timeout, defaultTimeout)}
	}

	return &Client{
		base:       base,
		http:       hc,
		csrfCookie: util.Coalesce(opts.CSRFCookie, defaultCSRFCookie),
		csrfHeader: util.Coalesce(opts.CSRFHeader, defaultCSRFHeader),
		headers:    opts.Headers,
		userAgent:  util.Coalesce(opts.UserAgent, "herdsync"),
		maxBody:    util.Coalesce(opts.MaxBodyBytes, int64(defaultMaxBodyBytes)),
		log:        util.Coalesce[herdsync.Logger](opts.Logger, herdsync.NopLogger{}),
	}, nil
}

// Metadata issues GET {resource}/metadata.
func (c *Client) Metadata(ctx context.Context, resource string) (syncer.ResourceMetadata, error) {
	var meta syncer.ResourceMetadata
	err := c.do(ctx, http.MethodGet, c.endpoint(nil, resource, "metadata"), nil, nil, &meta)
	return meta, err
}

// Since issues GET {resource}?since=<RFC 3339 instant>.
func (c *Client) Since(ctx context.Context, resource string, since time.Time) (syncer.Delta, error) {
	q := url.Values{"since": {since.UTC().Format(time.RFC3339Nano)}}
	var d syncer.Delta
	err := c.do(ctx, http.MethodGet, c.endpoint(q, resource), nil, nil, &d)
	return d, err
}

// Replay sends a queued mutation. The operation id travels as Idempotency-Key
// so a server can drop a replay whose first answer was lost.
func (c *Client) Replay(ctx context.Context, op queue.Operation) error {
	method, err := httpMethod(op.Method)
	if err != nil {
		return queue.PermanentError(err)
	}
	var body []byte
	if len(op.Payload) > 0 && string(op.Payload) != "null" {
		body = op.Payload
	}
	headers := make(map[string]string, len(op.Headers)+1)
	for k, v := range op.Headers {
		headers[k] = v
	}
	headers["Idempotency-Key"] = op.ID
	return c.do(ctx, method, c.endpoint(nil, op.Resource), body, headers, nil)
}

// FetchLineage issues GET {entity}/{id}/{type}?max_depth=N&fields=a,b,c.
func (c *Client) FetchLineage(ctx context.Context, req lineage.Request) (lineage.Graph, error) {
	q := url.Values{"max_depth": {strconv.Itoa(req.MaxDepth)}}
	if len(req.Fields) > 0 {
		q.Set("fields", strings.Join(req.Fields, ","))
	}
	var g lineage.Graph
	err := c.do(ctx, http.MethodGet, c.endpoint(q, req.Entity, req.RootID, string(req.Type)), nil, nil, &g)
	return g, err
}

// Reachable reports whether the API answers at all. Any HTTP status counts;
// only transport failures are errors. It fits connectivity.CheckFunc.
func (c *Client) Reachable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base.String(), http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: unreachable: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

func httpMethod(m queue.Method) (string, error) {
	switch m {
	case queue.Create:
		return http.MethodPost, nil
	case queue.Update:
		return http.MethodPut, nil
	case queue.Patch:
		return http.MethodPatch, nil
	case queue.Delete:
		return http.MethodDelete, nil
	}
	return "", fmt.Errorf("%w: %q", queue.ErrUnknownMethod, m)
}

func (c *Client) endpoint(q url.Values, segments ...string) *url.URL {
	clean := make([]string, 0, len(segments))
	for _, s := range segments {
		if s = strings.Trim(s, "/"); s != "" {
			clean = append(clean, s)
		}
	}
	u := c.base.JoinPath(clean...)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte, headers map[string]string, out any) error {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, u.Path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if method != http.MethodGet {
		c.echoCSRF(req)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, u.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return fmt.Errorf("remote: %s %s: read body: %w", method, u.Path, err)
	}
	c.log.Debug("remote request", herdsync.Fields{
		"method": method, "path": u.Path, "status": resp.StatusCode, "took": time.Since(start),
	})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, URL: u.String(), StatusCode: resp.StatusCode, Body: snippet(raw)}
	}
	if int64(len(raw)) > c.maxBody {
		return fmt.Errorf("remote: %s %s: response exceeds %d bytes", method, u.Path, c.maxBody)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("remote: %s %s: decode: %w", method, u.Path, err)
	}
	return nil
}

// echoCSRF copies the anti-forgery cookie the server set into the request header.
func (c *Client) echoCSRF(req *http.Request) {
	if c.http.Jar == nil {
		return
	}
	for _, ck := range c.http.Jar.Cookies(req.URL) {
		if ck.Name == c.csrfCookie && ck.Value != "" {
			req.Header.Set(c.csrfHeader, ck.Value)
			return
		}
	}
}

func snippet(b []byte) string {
	const n = 512
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[:n] + "..."
	}
	return s
}
