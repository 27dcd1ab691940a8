// Package notify implements the notification channel (C3): the webhook
// HTTPS receiver, long-poll loop and web-socket listener, one body decoder
// shared by all three, and the duplicate-body suppression rule, grounded on
// the source cloud's call conventions in sourcecloud and the teacher's
// single-dedicated-receive-task style used for transport sessions.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/model"
	"github.com/shadowlink/bridge/sourcecloud"
	"github.com/shadowlink/bridge/tlsutil"
)

// Dispatcher receives the decoded sub-lists of one notification body, in
// the order the channel calls it (spec §4.3 "Dispatch").
type Dispatcher interface {
	Dispatch(ctx context.Context, ev model.NotificationEvent)
}

// Resetter is asked to reset the bridge when webhook bring-up exhausts its
// retries (spec §4.3 "on terminal failure the orchestrator is asked to
// reset the bridge").
type Resetter interface {
	Reset(ctx context.Context, reason error)
}

// Mode selects which of the three channel implementations runs.
type Mode = string

const (
	ModeWebhook   Mode = "webhook"
	ModeWebSocket Mode = "websocket"
	ModePoll      Mode = "poll"
)

// Config holds the subset of config.SourceCloud the channel needs. It is a
// narrow copy rather than an import of the config package so notify stays
// usable with hand-built values in tests.
type Config struct {
	Mode Mode

	CallbackURL       string
	WebhookAddr       string // address the HTTP server binds, e.g. ":8082"
	WebhookPath       string
	WebhookNumRetries int
	WebhookRetryWait  time.Duration
	SkipValidation    bool

	LongPollURI string

	APIKey string
}

// Channel runs exactly one of webhook/long-poll/web-socket mode and
// dispatches decoded events to a Dispatcher.
type Channel struct {
	cfg    Config
	cloud  *sourcecloud.Client
	disp   Dispatcher
	reset  Resetter
	logger logging.Logger

	mu       sync.Mutex
	lastBody []byte

	srv *http.Server
}

// New builds a Channel. cloud is used for webhook bring-up, long-poll GETs
// and the websocket enable call; disp receives decoded events; reset is
// invoked on unrecoverable webhook bring-up failure.
func New(cfg Config, cloud *sourcecloud.Client, disp Dispatcher, reset Resetter, logger logging.Logger) *Channel {
	if logger == nil {
		logger = logging.Nop
	}
	return &Channel{cfg: cfg, cloud: cloud, disp: disp, reset: reset, logger: logger}
}

// Run starts the configured mode and blocks until ctx is cancelled or the
// mode's loop returns a terminal error.
func (c *Channel) Run(ctx context.Context) error {
	switch c.cfg.Mode {
	case ModeWebhook:
		return c.runWebhook(ctx)
	case ModeWebSocket:
		return c.runWebSocket(ctx)
	case ModePoll, "":
		return c.runLongPoll(ctx)
	default:
		return fmt.Errorf("notify: unknown mode %q", c.cfg.Mode)
	}
}

// authHash reproduces the Authentication header value the bridge asked the
// source cloud to echo back, so inbound requests can be validated without
// persisting any state: HMAC-SHA256 of the callback URL keyed by the API
// key, hex-encoded.
func (c *Channel) authHash() string {
	h := hmac.New(sha256.New, []byte(c.cfg.APIKey))
	_, _ = h.Write([]byte(c.cfg.CallbackURL))
	return hex.EncodeToString(h.Sum(nil))
}

// bringUpWebhook executes spec §4.3's webhook bring-up sequence: delete any
// pull channel, delete any existing callback, PUT the new descriptor,
// verify by GET, retrying the PUT+GET pair up to WebhookNumRetries times.
func (c *Channel) bringUpWebhook(ctx context.Context) error {
	if err := c.cloud.DeletePullChannel(ctx); err != nil {
		c.logger.Warnf("delete pull channel: %s", err)
	}
	if err := c.cloud.DeleteCallback(ctx); err != nil {
		c.logger.Warnf("delete existing callback: %s", err)
	}

	cb := sourcecloud.Callback{
		URL:     c.cfg.CallbackURL,
		Headers: map[string]string{"Authentication": c.authHash()},
	}

	retries := c.cfg.WebhookNumRetries
	if retries <= 0 {
		retries = 25
	}
	wait := c.cfg.WebhookRetryWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if lastErr = c.cloud.PutCallback(ctx, cb); lastErr == nil {
			got, err := c.cloud.GetCallback(ctx)
			if err == nil && got.URL == cb.URL {
				c.logger.Infof("webhook callback registered after %d attempt(s)", attempt+1)
				return nil
			}
			if err != nil {
				lastErr = err
			} else {
				lastErr = fmt.Errorf("notify: callback url mismatch: got %q want %q", got.URL, cb.URL)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return errors.Wrap(lastErr, "notify: webhook bring-up exhausted retries")
}

// runWebhook brings the webhook channel up then serves the callback
// endpoint until ctx is cancelled.
func (c *Channel) runWebhook(ctx context.Context) error {
	if err := c.bringUpWebhook(ctx); err != nil {
		if c.reset != nil {
			c.reset.Reset(ctx, err)
		}
		return err
	}

	mux := http.NewServeMux()
	path := c.cfg.WebhookPath
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, c.handleWebhook)

	c.srv = &http.Server{Addr: c.cfg.WebhookAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- c.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleWebhook validates (when configured) the Authentication header,
// decodes and dispatches the body, then always ACKs with an empty JSON 200
// (spec §4.3 "Every inbound webhook request is ACKed with an empty-JSON 200
// regardless of processing outcome").
func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer func() {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	}()

	if got := r.Header.Get("Authentication"); got != "" && !c.cfg.SkipValidation {
		if !hmac.Equal([]byte(got), []byte(c.authHash())) {
			c.logger.Warnf("webhook: Authentication header mismatch, dropping request")
			return
		}
	}

	body, err := readAll(r)
	if err != nil {
		c.logger.Errorf("webhook: read body: %s", err)
		return
	}
	c.ingest(r.Context(), body)
}

// runLongPoll repeatedly GETs the long-poll URL, feeding each body into the
// shared dispatch path (spec §4.3 "Long-poll mode").
func (c *Channel) runLongPoll(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		body, err := c.cloud.LongPollOnce(ctx, c.cfg.LongPollURI)
		if err != nil {
			c.logger.Warnf("long poll: %s", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		c.ingest(ctx, body)
	}
}

// runWebSocket enables the websocket channel, then maintains a single
// listener task that reconnects on disconnect (spec §4.3 "Web-socket
// mode").
func (c *Channel) runWebSocket(ctx context.Context) error {
	if err := c.cloud.EnableWebSocket(ctx); err != nil {
		return errors.Wrap(err, "notify: enable websocket")
	}

	dialURL := strings.Replace(c.cloud.BaseURL(), "https://", "wss://", 1) + "/v2/notification/websocket-connect"
	tlsCfg, err := tlsutil.ClientConfig("")
	if err != nil {
		return err
	}
	dialer := &websocket.Dialer{TLSClientConfig: tlsCfg, HandshakeTimeout: 10 * time.Second}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.listenOnce(ctx, dialer, dialURL); err != nil {
			c.logger.Warnf("websocket: %s, reconnecting", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Channel) listenOnce(ctx context.Context, dialer *websocket.Dialer, dialURL string) error {
	header := http.Header{"Authorization": {"Bearer " + c.cfg.APIKey}}
	conn, _, err := dialer.DialContext(ctx, dialURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, body, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.ingest(ctx, body)
	}
}

// ingest applies duplicate-body suppression, then decodes and dispatches.
func (c *Channel) ingest(ctx context.Context, body []byte) {
	c.mu.Lock()
	dup := bytes.Equal(body, c.lastBody)
	c.lastBody = append(c.lastBody[:0], body...)
	c.mu.Unlock()

	events, err := decodeBody(body)
	if err != nil {
		c.logger.Errorf("notify: decode body: %s", err)
		return
	}
	for _, ev := range events {
		if dup && ev.IsLifecycle() {
			continue // spec §4.3 "Duplicate suppression"
		}
		c.disp.Dispatch(ctx, ev)
	}
}

// wireDevice is the wire shape of one registration/reg-update entry.
type wireDevice struct {
	EndpointName string           `json:"ep"`
	EndpointType string           `json:"ept"`
	Resources    []model.Resource `json:"resources"`
}

type wireObservation struct {
	EndpointName string `json:"ep"`
	Path         string `json:"path"`
	Payload      string `json:"payload"`
	ContentType  string `json:"ct"`
}

type wireAsyncResponse struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Payload string `json:"payload"`
}

type wireBody struct {
	Notifications        []wireObservation   `json:"notifications"`
	Registrations        []wireDevice        `json:"registrations"`
	RegUpdates           []wireDevice        `json:"reg-updates"`
	Deregistrations      []string            `json:"de-registrations"`
	RegistrationsExpired []string            `json:"registrations-expired"`
	AsyncResponses       []wireAsyncResponse `json:"async-responses"`
}

// decodeBody decodes one notification body into the sub-lists present, in
// the fixed order the spec mandates for dispatch.
func decodeBody(raw []byte) ([]model.NotificationEvent, error) {
	var w wireBody
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}

	var out []model.NotificationEvent
	if len(w.Notifications) > 0 {
		obs := make([]model.ObservationEntry, 0, len(w.Notifications))
		for _, n := range w.Notifications {
			obs = append(obs, model.ObservationEntry{DeviceID: n.EndpointName, Path: n.Path, PayloadB64: n.Payload, Ct: n.ContentType})
		}
		out = append(out, model.NotificationEvent{Kind: model.EventNotification, Observations: obs})
	}
	if len(w.Registrations) > 0 {
		out = append(out, model.NotificationEvent{Kind: model.EventRegistration, Devices: toDevices(w.Registrations)})
	}
	if len(w.RegUpdates) > 0 {
		out = append(out, model.NotificationEvent{Kind: model.EventReRegistration, Devices: toDevices(w.RegUpdates)})
	}
	if len(w.Deregistrations) > 0 {
		out = append(out, model.NotificationEvent{Kind: model.EventDeregistration, IDs: w.Deregistrations})
	}
	if len(w.RegistrationsExpired) > 0 {
		out = append(out, model.NotificationEvent{Kind: model.EventRegistrationsExpired, IDs: w.RegistrationsExpired})
	}
	if len(w.AsyncResponses) > 0 {
		ars := make([]model.AsyncResponseEntry, 0, len(w.AsyncResponses))
		for _, a := range w.AsyncResponses {
			ars = append(ars, model.AsyncResponseEntry{ID: a.ID, Status: a.Status, PayloadB64: a.Payload})
		}
		out = append(out, model.NotificationEvent{Kind: model.EventAsyncResponse, AsyncResponses: ars})
	}
	return out, nil
}

func toDevices(wd []wireDevice) []model.Device {
	devices := make([]model.Device, 0, len(wd))
	for _, d := range wd {
		devices = append(devices, model.Device{DeviceID: d.EndpointName, EndpointType: d.EndpointType, Resources: d.Resources})
	}
	return devices
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
