// Package loadgen drives synthetic sync traffic against a running server.
//
// Purpose:
//
//	Each simulated user runs the canonical sync cycle in a loop: fetch
//	info/collections, batch-upload a handful of items, read the collection
//	back, round-trip a single item, and periodically clear the collection.
//	Latencies are recorded per operation and summarized at the end of the
//	run; the summary can optionally be POSTed to a collection endpoint so
//	results from several load machines land in one place.
//
// Key Responsibilities:
//   - Client wraps the storage HTTP API for one simulated user
//   - Runner fans out simulated users and aggregates their stats
//   - Summary serializes the aggregated results as JSON
package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/auth"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
)

// Client performs storage API calls as one user. Not safe for concurrent
// use; the runner gives each simulated user its own Client.
type Client struct {
	baseURL string
	userID  uint64
	token   string
	http    *http.Client
}

// NewClient builds a client for userID, minting a bearer token with the
// server's shared secret.
func NewClient(baseURL string, userID uint64, signer *auth.Signer, tokenTTL time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		token:   signer.Mint(userID, tokenTTL),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do runs one request and fails on unexpected status codes. The response
// body is returned for callers that parse it and discarded otherwise.
func (c *Client) do(ctx context.Context, method, path string, body []byte, wantStatus ...int) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	for _, status := range wantStatus {
		if resp.StatusCode == status {
			return data, nil
		}
	}
	return nil, fmt.Errorf("loadgen: %s %s: unexpected status %d", method, path, resp.StatusCode)
}

func (c *Client) userPath(suffix string) string {
	return fmt.Sprintf("/2.0/%d%s", c.userID, suffix)
}

// InfoCollections fetches the collection-version map.
func (c *Client) InfoCollections(ctx context.Context) (map[string]int64, error) {
	data, err := c.do(ctx, http.MethodGet, c.userPath("/info/collections"), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var versions map[string]int64
	if err := json.Unmarshal(data, &versions); err != nil {
		return nil, fmt.Errorf("loadgen: decode info/collections: %w", err)
	}
	return versions, nil
}

// PostBatch uploads items to the collection.
func (c *Client) PostBatch(ctx context.Context, collection string, items []*bso.BSO) error {
	body, err := json.Marshal(items)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, c.userPath("/storage/"+collection), body, http.StatusOK)
	return err
}

// GetCollection fetches the full contents of the collection.
func (c *Client) GetCollection(ctx context.Context, collection string) ([]bso.BSO, error) {
	data, err := c.do(ctx, http.MethodGet, c.userPath("/storage/"+collection+"?full"), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var page struct {
		Items []bso.BSO `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("loadgen: decode collection: %w", err)
	}
	return page.Items, nil
}

// PutItem writes a single item.
func (c *Client) PutItem(ctx context.Context, collection, itemID string, item *bso.BSO) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, c.userPath("/storage/"+collection+"/"+itemID), body,
		http.StatusCreated, http.StatusNoContent)
	return err
}

// GetItem reads a single item back.
func (c *Client) GetItem(ctx context.Context, collection, itemID string) (*bso.BSO, error) {
	data, err := c.do(ctx, http.MethodGet, c.userPath("/storage/"+collection+"/"+itemID), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var item bso.BSO
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("loadgen: decode item: %w", err)
	}
	return &item, nil
}

// DeleteItem removes a single item.
func (c *Client) DeleteItem(ctx context.Context, collection, itemID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.userPath("/storage/"+collection+"/"+itemID), nil, http.StatusNoContent)
	return err
}

// DeleteCollection clears the collection. Tolerates 404 so fresh users can
// clean up unconditionally.
func (c *Client) DeleteCollection(ctx context.Context, collection string) error {
	_, err := c.do(ctx, http.MethodDelete, c.userPath("/storage/"+collection), nil,
		http.StatusNoContent, http.StatusNotFound)
	return err
}
