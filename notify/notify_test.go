package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/model"
	"github.com/shadowlink/bridge/sourcecloud"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []model.NotificationEvent
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev model.NotificationEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *recordingDispatcher) kinds() []model.EventKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ks []model.EventKind
	for _, e := range d.events {
		ks = append(ks, e.Kind)
	}
	return ks
}

func TestDecodeBodyOrderAndShape(t *testing.T) {
	raw := []byte(`{
		"notifications": [{"ep":"d1","path":"/3/0/0","payload":"aGVsbG8=","ct":"0"}],
		"registrations": [{"ep":"d2","ept":"sensor","resources":[{"path":"/3/0","rt":"","obs":false}]}],
		"de-registrations": ["d3"],
		"async-responses": [{"id":"ar-1","status":200,"payload":"NDI="}]
	}`)

	events, err := decodeBody(raw)
	if err != nil {
		t.Fatal(err)
	}
	want := []model.EventKind{
		model.EventNotification,
		model.EventRegistration,
		model.EventDeregistration,
		model.EventAsyncResponse,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("event %d: got %s want %s", i, events[i].Kind, k)
		}
	}
	if events[0].Observations[0].DeviceID != "d1" {
		t.Errorf("unexpected observation %+v", events[0].Observations[0])
	}
	dev := events[1].Devices[0]
	if dev.DeviceID != "d2" || dev.EndpointType != "sensor" {
		t.Errorf("unexpected device %+v", dev)
	}
	if len(dev.Resources) != 1 || dev.Resources[0].Path != "/3/0" {
		t.Errorf("expected the registration's resource list to be decoded, got %+v", dev.Resources)
	}
}

func TestChannelDuplicateSuppression(t *testing.T) {
	disp := &recordingDispatcher{}
	c := New(Config{Mode: ModeWebhook}, nil, disp, nil, logging.Nop)

	lifecycleBody := []byte(`{"registrations":[{"ep":"d1","ept":"default"}]}`)
	c.ingest(context.Background(), lifecycleBody)
	c.ingest(context.Background(), lifecycleBody)

	if len(disp.kinds()) != 1 {
		t.Fatalf("expected duplicate lifecycle body to be suppressed, got %d events", len(disp.kinds()))
	}
}

func TestChannelTelemetryDuplicatesNotSuppressed(t *testing.T) {
	disp := &recordingDispatcher{}
	c := New(Config{Mode: ModeWebhook}, nil, disp, nil, logging.Nop)

	telemetryBody := []byte(`{"notifications":[{"ep":"d1","path":"/3/0/0","payload":"aGVsbG8=","ct":"0"}]}`)
	c.ingest(context.Background(), telemetryBody)
	c.ingest(context.Background(), telemetryBody)

	if len(disp.kinds()) != 2 {
		t.Fatalf("expected telemetry duplicates to both dispatch, got %d events", len(disp.kinds()))
	}
}

func TestHandleWebhookAlwaysAcksWithEmptyJSON(t *testing.T) {
	disp := &recordingDispatcher{}
	c := New(Config{Mode: ModeWebhook}, nil, disp, nil, logging.Nop)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"registrations":[{"ep":"d1","ept":"default"}]}`))
	rec := httptest.NewRecorder()
	c.handleWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if rec.Body.String() != "{}" {
		t.Fatalf("got body %q", rec.Body.String())
	}
	if len(disp.kinds()) != 1 {
		t.Fatalf("expected dispatch to run, got %d events", len(disp.kinds()))
	}
}

func TestHandleWebhookRejectsBadAuthentication(t *testing.T) {
	disp := &recordingDispatcher{}
	cfg := Config{Mode: ModeWebhook, CallbackURL: "https://bridge.example/cb", APIKey: "key"}
	c := New(cfg, nil, disp, nil, logging.Nop)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"registrations":[{"ep":"d1","ept":"default"}]}`))
	req.Header.Set("Authentication", "not-the-right-hash")
	rec := httptest.NewRecorder()
	c.handleWebhook(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, ack must always be 200", rec.Code)
	}
	if len(disp.kinds()) != 0 {
		t.Fatalf("expected mismatched Authentication header to drop the request, dispatched %d events", len(disp.kinds()))
	}
}

type recordingResetter struct {
	mu     sync.Mutex
	reason error
	count  int
}

func (r *recordingResetter) Reset(ctx context.Context, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reason = reason
	r.count++
}

// TestBringUpWebhookSucceedsAfterRetries is spec §8 scenario 5: the source
// cloud returns 5xx to the first several PUT /notification/callback
// attempts, then succeeds; bring-up must retry and eventually return nil.
func TestBringUpWebhookSucceedsAfterRetries(t *testing.T) {
	var puts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPut && r.URL.Path == "/v2/notification/callback":
			puts++
			if puts < 5 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/v2/notification/callback":
			_ = json.NewEncoder(w).Encode(sourcecloud.Callback{URL: "https://bridge.example/cb"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	cloud, err := sourcecloud.New(strings.TrimPrefix(srv.URL, "http://"), 0, "key", sourcecloud.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	disp := &recordingDispatcher{}
	reset := &recordingResetter{}
	cfg := Config{
		Mode:              ModeWebhook,
		CallbackURL:       "https://bridge.example/cb",
		WebhookNumRetries: 10,
		WebhookRetryWait:  time.Millisecond,
	}
	c := New(cfg, cloud, disp, reset, logging.Nop)

	if err := c.bringUpWebhook(context.Background()); err != nil {
		t.Fatalf("bringUpWebhook: %s", err)
	}
	if puts != 5 {
		t.Fatalf("expected exactly 5 PUT attempts, got %d", puts)
	}
	if reset.count != 0 {
		t.Fatalf("expected no reset on eventual success, got %d", reset.count)
	}
}

// TestBringUpWebhookTerminalFailureTriggersReset is spec §7's "Fatal" row:
// exhausting the retry budget returns an error, and runWebhook asks the
// Resetter to reset the bridge.
func TestBringUpWebhookTerminalFailureTriggersReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPut:
			w.WriteHeader(http.StatusInternalServerError)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	cloud, err := sourcecloud.New(strings.TrimPrefix(srv.URL, "http://"), 0, "key", sourcecloud.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	disp := &recordingDispatcher{}
	reset := &recordingResetter{}
	cfg := Config{
		Mode:              ModeWebhook,
		CallbackURL:       "https://bridge.example/cb",
		WebhookNumRetries: 3,
		WebhookRetryWait:  time.Millisecond,
	}
	c := New(cfg, cloud, disp, reset, logging.Nop)

	if err := c.runWebhook(context.Background()); err == nil {
		t.Fatal("expected runWebhook to return an error after exhausting retries")
	}
	if reset.count != 1 {
		t.Fatalf("expected exactly one Reset call, got %d", reset.count)
	}
}

func TestHandleWebhookAcceptsMatchingAuthentication(t *testing.T) {
	disp := &recordingDispatcher{}
	cfg := Config{Mode: ModeWebhook, CallbackURL: "https://bridge.example/cb", APIKey: "key"}
	c := New(cfg, nil, disp, nil, logging.Nop)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"registrations":[{"ep":"d1","ept":"default"}]}`))
	req.Header.Set("Authentication", c.authHash())
	rec := httptest.NewRecorder()
	c.handleWebhook(rec, req)

	if len(disp.kinds()) != 1 {
		t.Fatalf("expected matching Authentication header to dispatch, got %d events", len(disp.kinds()))
	}
}
