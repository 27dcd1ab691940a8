// Package sourcecloud implements the source-cloud REST client (C4): paginated
// device discovery, per-device resource listing, bulk subscription, and the
// two device-request command modes, grounded on the call()/ClientOption
// pattern in the teacher's iotservice/client.go.
package sourcecloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/model"
	"github.com/shadowlink/bridge/tlsutil"
	"github.com/shadowlink/bridge/transport"
	"github.com/shadowlink/bridge/transport/httptransport"
)

// ClientOption configures a Client, mirroring the teacher's functional-options
// constructor for iotservice.Client.
type ClientOption func(c *Client) error

// WithHTTPClient overrides the default httptransport-backed HTTPS client.
func WithHTTPClient(h transport.HTTPSClient) ClientOption {
	return func(c *Client) error {
		c.http = h
		return nil
	}
}

// WithLogger sets the client's logger.
func WithLogger(l logging.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// WithBaseURL overrides the scheme+host used to build request URIs, e.g.
// for pointing the client at a gateway or a test httptest.Server.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) error {
		c.baseURL = strings.TrimSuffix(base, "/")
		return nil
	}
}

// Client is the C4 source-cloud REST client. All requests go through a
// transport.HTTPSClient so the C1 abstraction (and tlsutil's root pool)
// carries the bearer-authenticated path too.
type Client struct {
	baseURL string
	apiKey  string
	http    transport.HTTPSClient
	logger  logging.Logger
}

// New builds a Client against host:port, authenticated with apiKey (sent as
// "Bearer <apiKey>" per spec §4.9). Unless WithHTTPClient overrides it, the
// client speaks through httptransport with a tlsutil-built TLS config.
func New(host string, port int, apiKey string, opts ...ClientOption) (*Client, error) {
	if host == "" {
		return nil, errors.New("sourcecloud: host is empty")
	}
	c := &Client{
		baseURL: fmt.Sprintf("https://%s:%d", host, port),
		apiKey:  apiKey,
		logger:  logging.FromEnv("sourcecloud", "BRIDGE_SOURCECLOUD_LOG_LEVEL"),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.http == nil {
		tlsCfg, err := tlsutil.ClientConfig(host)
		if err != nil {
			return nil, err
		}
		c.http = httptransport.New(tlsCfg)
	}
	return c, nil
}

// EndpointSummary is one entry of a discovery page.
type EndpointSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	EndpointType string `json:"endpoint_type"`
	ETag         string `json:"etag"`
}

type discoveryPage struct {
	Data    []EndpointSummary `json:"data"`
	HasMore bool              `json:"has_more"`
	After   string            `json:"after"`
}

// DiscoverDevices performs paginated discovery of registered devices,
// following pages while has_more is true and combining them into one list
// (spec §4.4 Discovery).
func (c *Client) DiscoverDevices(ctx context.Context, limit int) ([]EndpointSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	var all []EndpointSummary
	after := ""
	for {
		path := fmt.Sprintf("/v3/devices?filter=state=registered&limit=%d&order=ASC", limit)
		if after != "" {
			path += "&after=" + url.QueryEscape(after)
		}
		var page discoveryPage
		if err := c.call(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, errors.Wrap(err, "sourcecloud: discover devices")
		}
		all = append(all, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			break
		}
		after = page.Data[len(page.Data)-1].ID
	}
	return all, nil
}

// ListResources fetches the un-paginated resource list for a device (spec
// §4.4 Resource discovery).
func (c *Client) ListResources(ctx context.Context, deviceID string) ([]model.Resource, error) {
	if deviceID == "" {
		return nil, errors.New("sourcecloud: deviceID is empty")
	}
	var resources []model.Resource
	path := "/v2/endpoints/" + url.PathEscape(deviceID)
	if err := c.call(ctx, http.MethodGet, path, nil, &resources); err != nil {
		return nil, errors.Wrap(err, "sourcecloud: list resources")
	}
	return resources, nil
}

// BulkSubscribe asks the source cloud to notify on all endpoints and all
// resources matching a wildcard (spec §4.4 Bulk subscribe). Success is 204.
func (c *Client) BulkSubscribe(ctx context.Context) error {
	body := []map[string]string{{"endpoint-name": "*"}}
	if err := c.callExpect(ctx, http.MethodPut, "/v2/subscriptions", body, nil, http.StatusNoContent); err != nil {
		return errors.Wrap(err, "sourcecloud: bulk subscribe")
	}
	return nil
}

// TenantInfo is the response of GET /v3/accounts/me.
type TenantInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Tenant retrieves the account that owns apiKey (spec §4.4 Tenant).
func (c *Client) Tenant(ctx context.Context) (*TenantInfo, error) {
	t := &TenantInfo{}
	if err := c.call(ctx, http.MethodGet, "/v3/accounts/me", nil, t); err != nil {
		return nil, errors.Wrap(err, "sourcecloud: tenant")
	}
	return t, nil
}

// CommandResult is returned by DirectRequest/QueuedRequest: either the verb
// completed synchronously (Payload set) or was queued (AsyncResponseID set).
type CommandResult struct {
	AsyncResponseID string
	StatusCode      int
	Payload         []byte
}

// verbMethod maps a CoAP verb name to the HTTP method used in direct mode.
func verbMethod(verb string) (string, error) {
	switch strings.ToUpper(verb) {
	case "GET":
		return http.MethodGet, nil
	case "PUT":
		return http.MethodPut, nil
	case "POST":
		return http.MethodPost, nil
	case "DELETE":
		return http.MethodDelete, nil
	default:
		return "", fmt.Errorf("sourcecloud: unknown coap verb %q", verb)
	}
}

// DirectRequest issues the CoAP verb as an immediate HTTPS call against
// /v2/endpoints/<id><uri>?<options> (spec §4.4 device-request, direct mode).
func (c *Client) DirectRequest(ctx context.Context, deviceID, verb, uri, options string, body []byte) (*CommandResult, error) {
	method, err := verbMethod(verb)
	if err != nil {
		return nil, err
	}
	path := "/v2/endpoints/" + url.PathEscape(deviceID) + uri
	if options != "" {
		path += "?" + options
	}
	status, resp, err := c.raw(ctx, method, path, body)
	if err != nil {
		return nil, errors.Wrap(err, "sourcecloud: direct request")
	}
	return &CommandResult{StatusCode: status, Payload: resp}, nil
}

// queuedRequestBody is the body of POST /v2/device-requests/<id>.
type queuedRequestBody struct {
	Method     string `json:"method"`
	URI        string `json:"uri"`
	PayloadB64 string `json:"payload-b64,omitempty"`
}

type asyncIDResponse struct {
	AsyncResponseID string `json:"async-response-id"`
}

// QueuedRequest issues the CoAP verb as a queued device-request, returning a
// synthetic async-response-id allocated from a time-based UUID (spec §4.4,
// "Time-based UUIDs are used for async ids").
func (c *Client) QueuedRequest(ctx context.Context, deviceID, verb, uri string, payload []byte) (*CommandResult, error) {
	method, err := verbMethod(verb)
	if err != nil {
		return nil, err
	}
	asyncID, err := uuid.NewUUID()
	if err != nil {
		return nil, errors.Wrap(err, "sourcecloud: generate async id")
	}

	reqBody := queuedRequestBody{Method: method, URI: uri}
	if len(payload) > 0 {
		reqBody.PayloadB64 = base64.StdEncoding.EncodeToString(payload)
	}

	path := "/v2/device-requests/" + url.PathEscape(deviceID) + "?async-id=" + asyncID.String()
	var resp asyncIDResponse
	if err := c.call(ctx, http.MethodPost, path, reqBody, &resp); err != nil {
		return nil, errors.Wrap(err, "sourcecloud: queued request")
	}
	if resp.AsyncResponseID == "" {
		resp.AsyncResponseID = asyncID.String()
	}
	return &CommandResult{AsyncResponseID: resp.AsyncResponseID}, nil
}

// Callback is the webhook descriptor body (spec §4.9).
type Callback struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PutCallback registers (or replaces) the webhook callback descriptor.
func (c *Client) PutCallback(ctx context.Context, cb Callback) error {
	if err := c.callExpect(ctx, http.MethodPut, "/v2/notification/callback", cb, nil, http.StatusNoContent, http.StatusOK); err != nil {
		return errors.Wrap(err, "sourcecloud: put callback")
	}
	return nil
}

// GetCallback retrieves the currently registered webhook callback descriptor,
// used to verify a PutCallback attempt by comparing the url field.
func (c *Client) GetCallback(ctx context.Context) (*Callback, error) {
	cb := &Callback{}
	if err := c.call(ctx, http.MethodGet, "/v2/notification/callback", nil, cb); err != nil {
		return nil, errors.Wrap(err, "sourcecloud: get callback")
	}
	return cb, nil
}

// DeleteCallback removes the webhook callback descriptor.
func (c *Client) DeleteCallback(ctx context.Context) error {
	if err := c.callExpect(ctx, http.MethodDelete, "/v2/notification/callback", nil, nil, http.StatusNoContent, http.StatusOK, http.StatusNotFound); err != nil {
		return errors.Wrap(err, "sourcecloud: delete callback")
	}
	return nil
}

// EnableWebSocket asks the source cloud to switch its notification channel
// to web-socket push mode.
func (c *Client) EnableWebSocket(ctx context.Context) error {
	if err := c.callExpect(ctx, http.MethodPut, "/v2/notification/websocket", nil, nil, http.StatusNoContent, http.StatusOK); err != nil {
		return errors.Wrap(err, "sourcecloud: enable websocket")
	}
	return nil
}

// DeletePullChannel tears down any existing pull/long-poll channel, the
// first step of webhook bring-up (spec §4.3 "Webhook mode").
func (c *Client) DeletePullChannel(ctx context.Context) error {
	if err := c.callExpect(ctx, http.MethodDelete, "/v2/notification/pull", nil, nil, http.StatusNoContent, http.StatusOK, http.StatusNotFound); err != nil {
		return errors.Wrap(err, "sourcecloud: delete pull channel")
	}
	return nil
}

// LongPollOnce performs one GET against the long-poll URI and returns the
// raw response body, fed into the same parse/dispatch path as webhook
// bodies (spec §4.3 "Long-poll mode").
func (c *Client) LongPollOnce(ctx context.Context, uri string) ([]byte, error) {
	status, body, err := c.raw(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sourcecloud: long poll")
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("sourcecloud: long poll: unexpected status %d", status)
	}
	return body, nil
}

// BaseURL returns the scheme+host the client issues requests against, used
// by the notification channel to derive the web-socket dial target.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Forward issues an arbitrary passthrough request against path (with a
// leading slash) and optional query options, used by peer adapters'
// processApiRequestOperation to proxy a peer-originated API request the
// adapter cannot resolve locally (spec §4.8).
func (c *Client) Forward(ctx context.Context, verb, path, options string, body []byte) (int, []byte, error) {
	if options != "" {
		path += "?" + options
	}
	status, respBody, err := c.raw(ctx, strings.ToUpper(verb), path, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "sourcecloud: forward")
	}
	return status, respBody, nil
}

// call performs a JSON request/response round-trip and requires HTTP 200.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	return c.callExpect(ctx, method, path, body, out, http.StatusOK)
}

// callExpect is the shared request helper grounded on iotservice.Client.call:
// marshal request, execute through the HTTPS transport, require one of want,
// unmarshal response into out when non-nil.
func (c *Client) callExpect(ctx context.Context, method, path string, body, out interface{}, want ...int) error {
	var b []byte
	if body != nil {
		var err error
		b, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	status, respBody, err := c.raw(ctx, method, path, b)
	if err != nil {
		return err
	}

	ok := false
	for _, w := range want {
		if status == w {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("sourcecloud: %s %s: unexpected status %d: %s", method, path, status, string(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// raw maps method onto the transport.HTTPSClient verb set; the transport
// attaches the bearer header and surfaces {body, status} per spec §4.1.
func (c *Client) raw(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	uri := c.baseURL + path
	const contentType = "application/json; charset=utf-8"

	var (
		res transport.Response
		err error
	)
	switch method {
	case http.MethodGet:
		res, err = c.http.Get(ctx, uri, c.apiKey)
	case http.MethodPut:
		res, err = c.http.Put(ctx, uri, body, contentType, c.apiKey)
	case http.MethodPost:
		res, err = c.http.Post(ctx, uri, body, contentType, c.apiKey)
	case http.MethodDelete:
		res, err = c.http.Delete(ctx, uri, c.apiKey)
	default:
		return 0, nil, fmt.Errorf("sourcecloud: unsupported method %q", method)
	}
	if err != nil {
		return 0, nil, err
	}
	c.logger.Debugf("%s %s -> %d (%d bytes)", method, uri, res.Status, len(res.Body))
	return res.Status, res.Body, nil
}
