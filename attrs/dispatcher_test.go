package attrs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/model"
	"github.com/shadowlink/bridge/sourcecloud"
)

func newTestCloud(t *testing.T, h http.HandlerFunc) *sourcecloud.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	c, err := sourcecloud.New(u.Hostname(), port, "key", sourcecloud.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestDispatchSkipsDevicesWithoutDeviceInfo(t *testing.T) {
	called := false
	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	d := New(cloud, nil, nil, logging.Nop)

	dev := &model.Device{DeviceID: "d1", Resources: []model.Resource{{Path: "/5/0"}}}
	d.Dispatch(context.Background(), dev)
	time.Sleep(20 * time.Millisecond)

	if called {
		t.Fatal("expected no resource GET for a device without /3/0")
	}
}

func TestDispatchCollectsMetaAndCompletes(t *testing.T) {
	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ACME-1000"))
	})

	var mu sync.Mutex
	var completed *model.Device
	done := make(chan struct{})

	d := New(cloud, []string{"/3/0/0"}, func(ctx context.Context, device *model.Device) {
		mu.Lock()
		completed = device
		mu.Unlock()
		close(done)
	}, logging.Nop)

	dev := &model.Device{DeviceID: "d1", Resources: []model.Resource{{Path: "/3/0"}}}
	d.Dispatch(context.Background(), dev)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	mu.Lock()
	defer mu.Unlock()
	if completed == nil || completed.MetaValue(model.MetaManufacturer) == "" {
		t.Fatalf("expected manufacturer metadata to be set, got %+v", completed)
	}
}

func TestJoinWaitsForInFlightRetrieval(t *testing.T) {
	block := make(chan struct{})
	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte("v"))
	})
	d := New(cloud, []string{"/3/0/0"}, nil, logging.Nop)
	dev := &model.Device{DeviceID: "d1", Resources: []model.Resource{{Path: "/3/0"}}}
	d.Dispatch(context.Background(), dev)

	joined := make(chan struct{})
	go func() {
		d.Join("d1")
		close(joined)
	}()

	select {
	case <-joined:
		t.Fatal("Join returned while the retrieval was still blocked")
	case <-time.After(20 * time.Millisecond):
	}

	close(block)
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return after the retrieval finished")
	}
	if d.Pending("d1") {
		t.Fatal("expected no pending retrieval after Join")
	}
}

func TestJoinWithoutInFlightRetrievalReturnsImmediately(t *testing.T) {
	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {})
	d := New(cloud, nil, nil, logging.Nop)
	d.Join("missing") // must not block
}

func TestDispatchIsANoOpWhilePending(t *testing.T) {
	block := make(chan struct{})
	hits := 0
	var mu sync.Mutex

	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		<-block
		w.Write([]byte("v"))
	})

	d := New(cloud, []string{"/3/0/0"}, nil, logging.Nop)
	dev := &model.Device{DeviceID: "d1", Resources: []model.Resource{{Path: "/3/0"}}}

	d.Dispatch(context.Background(), dev)
	time.Sleep(20 * time.Millisecond)
	if !d.Pending("d1") {
		t.Fatal("expected dispatch to be pending")
	}
	d.Dispatch(context.Background(), dev) // should be a no-op

	close(block)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatalf("expected exactly one in-flight retrieval, saw %d requests", hits)
	}
}
