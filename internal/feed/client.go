// Package feed fetches records from the upstream event sources: the primary
// global feed, the library catalog and its chapter histories, and the
// aggregator's ingested set.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alfredjeanlab/eventually/internal/model"
)

// DefaultUserAgent identifies the poller to upstream servers.
const DefaultUserAgent = "Eventually/0.1 (+https://cat-girl.gay)"

// DefaultPageSize is the page size requested from the primary feed.
const DefaultPageSize = 100

// TransportError reports an unreachable upstream or a non-success status.
type TransportError struct {
	URL        string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a response body that is not the expected JSON.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.URL, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// Client is an HTTP client for the upstream sources.
type Client struct {
	endpoints  Endpoints
	userAgent  string
	pageSize   int
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithPageSize sets the primary feed page size.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// New creates a client for the given endpoints.
func New(endpoints Endpoints, opts ...Option) *Client {
	c := &Client{
		endpoints:  endpoints,
		userAgent:  DefaultUserAgent,
		pageSize:   DefaultPageSize,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Global fetches one page of the primary feed. An empty start requests the
// first page; otherwise records from start onwards are returned in
// ascending order.
func (c *Client) Global(ctx context.Context, start string) ([]model.Record, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if start == "" {
		q.Set("sort", "0")
	} else {
		q.Set("sort", "1")
		q.Set("start", start)
	}
	return c.getRecords(ctx, c.endpoints.Global, q)
}

// Library fetches the library catalog.
func (c *Client) Library(ctx context.Context) ([]model.Book, error) {
	var books []model.Book
	if err := c.getJSON(ctx, c.endpoints.Library, nil, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&books)
	}); err != nil {
		return nil, err
	}
	return books, nil
}

// Chapter fetches the authoritative event history of one library chapter.
func (c *Client) Chapter(ctx context.Context, id string) ([]model.Record, error) {
	q := url.Values{}
	q.Set("id", id)
	return c.getRecords(ctx, c.endpoints.Chapter, q)
}

// Aggregator fetches the aggregator's full currently-known record set.
func (c *Client) Aggregator(ctx context.Context) ([]model.Record, error) {
	return c.getRecords(ctx, c.endpoints.Aggregator, nil)
}

func (c *Client) getRecords(ctx context.Context, endpoint string, q url.Values) ([]model.Record, error) {
	var records []model.Record
	if err := c.getJSON(ctx, endpoint, q, func(r io.Reader) error {
		var err error
		records, err = model.DecodeRecords(r)
		return err
	}); err != nil {
		return nil, err
	}
	return records, nil
}

// getJSON performs a GET and hands the body of a successful response to decode.
func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values, decode func(io.Reader) error) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parsing endpoint %q: %w", endpoint, err)
	}
	if len(q) > 0 {
		merged := u.Query()
		for k, vs := range q {
			merged[k] = vs
		}
		u.RawQuery = merged.Encode()
	}
	target := u.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &TransportError{URL: target, StatusCode: resp.StatusCode}
	}

	if err := decode(resp.Body); err != nil {
		return &ParseError{URL: target, Err: err}
	}
	return nil
}
