package points

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// FetchError is a failed request to the points service. It is transient from
// the caller's point of view: the request may succeed when retried.
type FetchError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a FetchError.
func IsTransient(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr)
}

// Client talks to the remote points endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient gets a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Paginated fetches one page of up to limit points after cursor.
func (c *Client) Paginated(ctx context.Context, limit int, cursor string) (Page, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	params.Set("cursor", cursor)
	var page Page
	if err := c.getJSON(ctx, "/points/paginated", params, &page); err != nil {
		return Page{}, err
	}
	return page, nil
}

// Recent fetches the most recent points, used for small preview maps.
func (c *Client) Recent(ctx context.Context, limit int) ([]Record, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	return c.getPoints(ctx, "/points/recent", params)
}

// LatestPerCase fetches one point per case for the global overview.
func (c *Client) LatestPerCase(ctx context.Context) ([]Record, error) {
	return c.getPoints(ctx, "/points/latest-per-case", nil)
}

// AllWithCaseIDs is the legacy non-paginated retrieval of every point.
func (c *Client) AllWithCaseIDs(ctx context.Context) ([]Record, error) {
	return c.getPoints(ctx, "/points/all-with-case-ids", nil)
}

func (c *Client) getPoints(ctx context.Context, path string, params url.Values) ([]Record, error) {
	var body struct {
		Points []Record `json:"points"`
	}
	if err := c.getJSON(ctx, path, params, &body); err != nil {
		return nil, err
	}
	if body.Points == nil {
		return []Record{}, nil
	}
	return body.Points, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, target any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &FetchError{Endpoint: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &FetchError{Endpoint: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &FetchError{Endpoint: path, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return &FetchError{Endpoint: path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
