// Package rpc is the HTTP client of a running txkv server.
package rpc

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

	api "txkv/internal/http"
	"txkv/pkg/dberrors"
	"txkv/pkg/store"
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Put(ctx context.Context, key, value string) error {
	form := url.Values{}
	form.Set("key", key)
	form.Set("value", value)

	_, err := c.do(ctx, http.MethodPut, "/api", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	return err
}

// Get returns the value of key and whether it exists.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api?key="+url.QueryEscape(key), nil, "")
	if err != nil {
		if errors.Is(err, dberrors.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return resp.Value, true, nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api?key="+url.QueryEscape(key), nil, "")
	return err
}

// Scan lists live entries with from <= key < to. Empty bounds are open.
func (c *Client) Scan(ctx context.Context, from, to string) ([]api.EntryJSON, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	resp, err := c.do(ctx, http.MethodGet, "/api/scan?"+q.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Txn runs req as one transaction on the server. A lost lock race is
// reported as dberrors.ErrConflict.
func (c *Client) Txn(ctx context.Context, req api.TxnRequest) ([]api.EntryJSON, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode txn: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/txn", bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) Flush(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/admin/flush", nil, "")
	return err
}

func (c *Client) Compact(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/admin/compact", nil, "")
	return err
}

func (c *Client) Stats(ctx context.Context) (store.Stats, error) {
	resp, err := c.do(ctx, http.MethodGet, "/stats", nil, "")
	if err != nil {
		return store.Stats{}, err
	}
	if resp.Stats == nil {
		return store.Stats{}, errors.New("stats: empty response")
	}
	return *resp.Stats, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (api.Response, error) {
	var resp api.Response

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return resp, fmt.Errorf("create %s request: %w", method, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	httpResp, err := c.client.Do(req)
	if err != nil {
		return resp, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("decode %s %s body: %w", method, path, err)
	}

	switch httpResp.StatusCode {
	case http.StatusOK:
		return resp, nil
	case http.StatusNotFound:
		return resp, fmt.Errorf("%s %s: %w", method, path, dberrors.ErrNotFound)
	case http.StatusConflict:
		return resp, fmt.Errorf("%s %s: %s: %w", method, path, resp.Error, dberrors.ErrConflict)
	case http.StatusBadRequest:
		return resp, fmt.Errorf("%s %s: %s: %w", method, path, resp.Error, dberrors.ErrInvalidArgument)
	default:
		return resp, fmt.Errorf("%s %s failed: %d: %s", method, path, httpResp.StatusCode, resp.Error)
	}
}

func (c *Client) Close() error { return nil }
