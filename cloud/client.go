// Package cloud implements the client side of the threadsync sync
// protocol: the REST client, payload encryption, the cached health check
// and the websocket change feed.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	apperr "github.com/alexjbarnes/threadsync/internal/errors"
)

// maxResponseBytes caps a single response body.
const maxResponseBytes = 64 << 20

// Client talks to a threadsync sync server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client for baseURL. token, when set, is sent
// as a Bearer API key. If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// BaseURL returns the server URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// do sends a JSON request and decodes the response into result. A 404
// returns apperr.ErrNotFound so callers can treat it as "nothing stored".
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", apperr.ErrAPIRequest, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", apperr.ErrAPIRequest, endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("API %s: %w", endpoint, apperr.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("API %s: %w", endpoint, apperr.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: API %s (%d): %s", apperr.ErrAPIRequest, endpoint, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("%w: API %s returned status %d", apperr.ErrAPIRequest, endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperr.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// Upload stores one encrypted payload and returns the version the server
// recorded.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (int64, error) {
	var resp UploadResponse
	if err := c.do(ctx, http.MethodPost, "/sync/upload", req, &resp); err != nil {
		return 0, fmt.Errorf("uploading %s: %w", req.DataType, err)
	}

	return resp.Version, nil
}

// Download returns the user's rows newer than sinceVersion in ascending
// version order. An empty dataType returns every data type.
func (c *Client) Download(ctx context.Context, userID, dataType string, sinceVersion int64) ([]Row, error) {
	q := url.Values{}
	q.Set("userId", userID)

	if dataType != "" {
		q.Set("dataType", dataType)
	}

	if sinceVersion > 0 {
		q.Set("sinceVersion", strconv.FormatInt(sinceVersion, 10))
	}

	var resp DownloadResponse
	if err := c.do(ctx, http.MethodGet, "/sync/download?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("downloading %s: %w", dataType, err)
	}

	return resp.Data, nil
}

// Delete removes the user's rows for dataType, or all rows when empty.
func (c *Client) Delete(ctx context.Context, userID, dataType string) error {
	if err := c.do(ctx, http.MethodDelete, "/sync/delete", DeleteRequest{UserID: userID, DataType: dataType}, nil); err != nil {
		return fmt.Errorf("deleting sync data: %w", err)
	}

	return nil
}

// GetSnapshot fetches the whole-bundle snapshot for syncID. It returns
// nil without error when the server has none.
func (c *Client) GetSnapshot(ctx context.Context, syncID string) (*Snapshot, error) {
	var snap Snapshot

	err := c.do(ctx, http.MethodGet, "/sync/"+url.PathEscape(syncID), nil, &snap)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}

	return &snap, nil
}

// PutSnapshot replaces the whole-bundle snapshot.
func (c *Client) PutSnapshot(ctx context.Context, snap Snapshot) error {
	if err := c.do(ctx, http.MethodPost, "/sync", snap, nil); err != nil {
		return fmt.Errorf("pushing snapshot: %w", err)
	}

	return nil
}

// Health returns the raw body of GET /health.
func (c *Client) Health(ctx context.Context) ([]byte, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/health", nil, &raw); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	return raw, nil
}
