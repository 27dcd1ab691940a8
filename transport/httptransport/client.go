// Package httptransport implements transport.HTTPSClient over the
// standard library's net/http, grounded on iotservice.Client's
// c.http.Do(req) plus status-surfacing return value.
package httptransport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/shadowlink/bridge/transport"
)

// Client implements transport.HTTPSClient.
type Client struct {
	http *http.Client
}

// New builds a Client. tlsConfig may be nil to use net/http's default.
func New(tlsConfig *tls.Config) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
	}
}

func (c *Client) Get(ctx context.Context, url, bearer string) (transport.Response, error) {
	return c.do(ctx, http.MethodGet, url, nil, "", bearer)
}

func (c *Client) Put(ctx context.Context, url string, body []byte, contentType, bearer string) (transport.Response, error) {
	return c.do(ctx, http.MethodPut, url, body, contentType, bearer)
}

func (c *Client) Post(ctx context.Context, url string, body []byte, contentType, bearer string) (transport.Response, error) {
	return c.do(ctx, http.MethodPost, url, body, contentType, bearer)
}

func (c *Client) Delete(ctx context.Context, url, bearer string) (transport.Response, error) {
	return c.do(ctx, http.MethodDelete, url, nil, "", bearer)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, contentType, bearer string) (transport.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return transport.Response{}, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return transport.Response{}, err
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return transport.Response{}, err
	}
	return transport.Response{Body: respBody, Status: res.StatusCode}, nil
}
