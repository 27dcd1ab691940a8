package sourcecloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	c, err := New(u.Hostname(), port, "test-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	return c, srv
}

func TestDiscoverDevicesPagination(t *testing.T) {
	calls := 0
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		switch calls {
		case 1:
			if strings.Contains(r.URL.RawQuery, "after=") {
				t.Errorf("first page should not carry after=, got %q", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(discoveryPage{
				Data:    []EndpointSummary{{ID: "d1"}, {ID: "d2"}},
				HasMore: true,
			})
		case 2:
			if !strings.Contains(r.URL.RawQuery, "after=d2") {
				t.Errorf("second page should carry after=d2, got %q", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(discoveryPage{
				Data:    []EndpointSummary{{ID: "d3"}},
				HasMore: false,
			})
		default:
			t.Fatalf("unexpected call %d", calls)
		}
	})
	defer srv.Close()

	got, err := c.DiscoverDevices(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "d1" || got[2].ID != "d3" {
		t.Fatalf("got %+v", got)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestBulkSubscribeSuccess(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v2/subscriptions" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body []map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body) != 1 || body[0]["endpoint-name"] != "*" {
			t.Fatalf("unexpected body %+v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	defer srv.Close()

	if err := c.BulkSubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestBulkSubscribeFailure(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	if err := c.BulkSubscribe(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestQueuedRequestAllocatesAsyncID(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v2/device-requests/dev-1") {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("async-id") == "" {
			t.Fatal("expected async-id query parameter")
		}
		var body queuedRequestBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Method != http.MethodPut || body.URI != "/3/0/1" {
			t.Fatalf("unexpected body %+v", body)
		}
		if body.PayloadB64 == "" {
			t.Fatal("expected payload-b64 to be set")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	})
	defer srv.Close()

	res, err := c.QueuedRequest(context.Background(), "dev-1", "put", "/3/0/1", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if res.AsyncResponseID == "" {
		t.Fatal("expected a synthesized async-response-id")
	}
}

func TestDirectRequestUnknownVerb(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached for an invalid verb")
	})
	defer srv.Close()

	if _, err := c.DirectRequest(context.Background(), "dev-1", "PATCH", "/3/0/1", "", nil); err == nil {
		t.Fatal("expected error for unsupported verb")
	}
}

func TestListResources(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/endpoints/dev-1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"path": "/3/0", "rt": "oma.lwm2m", "obs": false, "type": ""},
		})
	})
	defer srv.Close()

	resources, err := c.ListResources(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(resources) != 1 {
		t.Fatalf("got %d resources", len(resources))
	}
}

func TestGetCallbackRoundTrip(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Callback{URL: "https://bridge.example/cb"})
	})
	defer srv.Close()

	cb, err := c.GetCallback(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cb.URL != "https://bridge.example/cb" {
		t.Fatalf("got %+v", cb)
	}
}
