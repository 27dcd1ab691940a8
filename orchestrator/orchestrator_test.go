package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/shadowlink/bridge/adapter"
	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/model"
	"github.com/shadowlink/bridge/registry"
)

// fakeAdapter records every call it receives, guarded so Dispatch's
// concurrent fan-out across adapters doesn't race the test.
type fakeAdapter struct {
	name string

	mu               sync.Mutex
	newRegistrations []model.Device
	deregistered     []string
	notified         []model.ObservationEntry
	asyncResolved    []model.AsyncResponseEntry
	deletedDevices   []string
	shutdownCalled   bool
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) RegisterNewDevice(ctx context.Context, device *model.Device) bool { return true }
func (f *fakeAdapter) DeleteDevice(ctx context.Context, deviceID string) bool           { return true }

func (f *fakeAdapter) ProcessNotification(ctx context.Context, entries []model.ObservationEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, entries...)
}

func (f *fakeAdapter) ProcessNewRegistration(ctx context.Context, devices []model.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newRegistrations = append(f.newRegistrations, devices...)
}

func (f *fakeAdapter) ProcessReRegistration(ctx context.Context, devices []model.Device) {
	f.ProcessNewRegistration(ctx, devices)
}

func (f *fakeAdapter) ProcessDeregistrations(ctx context.Context, ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, ids...)
}

func (f *fakeAdapter) ProcessRegistrationsExpired(ctx context.Context, ids []string) {
	f.ProcessDeregistrations(ctx, ids)
}

func (f *fakeAdapter) ProcessDeviceDeletions(ctx context.Context, ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedDevices = append(f.deletedDevices, ids...)
}

func (f *fakeAdapter) ProcessAsyncResponses(ctx context.Context, responses []model.AsyncResponseEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asyncResolved = append(f.asyncResolved, responses...)
}

func (f *fakeAdapter) ProcessAPIRequestOperation(ctx context.Context, req adapter.APIRequest) adapter.ApiResponse {
	return adapter.ApiResponse{}
}

func (f *fakeAdapter) ProcessEndpointResourceOperation(ctx context.Context, verb, deviceID, uri, value, options string) (string, error) {
	return "", nil
}

func (f *fakeAdapter) OnMessageReceive(topic string, payload []byte) {}

func (f *fakeAdapter) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownCalled = true
}

var _ adapter.Adapter = (*fakeAdapter)(nil)

func TestDispatchRoutesRegistrationToEveryAdapter(t *testing.T) {
	o := New(nil, registry.New(), "default", false, logging.Nop)
	a1 := &fakeAdapter{name: "a1"}
	a2 := &fakeAdapter{name: "a2"}
	o.Register(a1)
	o.Register(a2)

	o.Dispatch(context.Background(), model.NotificationEvent{
		Kind:    model.EventRegistration,
		Devices: []model.Device{{DeviceID: "dev-1", EndpointType: "reg-update"}},
	})

	for _, a := range []*fakeAdapter{a1, a2} {
		if len(a.newRegistrations) != 1 {
			t.Fatalf("adapter %s: expected 1 registration, got %d", a.name, len(a.newRegistrations))
		}
		if a.newRegistrations[0].EndpointType != "default" {
			t.Fatalf("adapter %s: expected reserved endpoint type sanitized to default, got %q", a.name, a.newRegistrations[0].EndpointType)
		}
	}
}

func TestDispatchRoutesEachEventKindToItsMethod(t *testing.T) {
	o := New(nil, registry.New(), "default", false, logging.Nop)
	a := &fakeAdapter{name: "a1"}
	o.Register(a)
	ctx := context.Background()

	o.Dispatch(ctx, model.NotificationEvent{Kind: model.EventDeregistration, IDs: []string{"d1"}})
	o.Dispatch(ctx, model.NotificationEvent{Kind: model.EventNotification, Observations: []model.ObservationEntry{{DeviceID: "d1"}}})
	o.Dispatch(ctx, model.NotificationEvent{Kind: model.EventAsyncResponse, AsyncResponses: []model.AsyncResponseEntry{{ID: "a1"}}})

	if len(a.deregistered) != 1 || len(a.notified) != 1 || len(a.asyncResolved) != 1 {
		t.Fatalf("unexpected routing: %+v", a)
	}
}

func TestDeviceRemovedOnDeRegistrationReflectsConstruction(t *testing.T) {
	o := New(nil, registry.New(), "default", true, logging.Nop)
	if !o.DeviceRemovedOnDeRegistration() {
		t.Fatal("expected policy getter to reflect constructor argument")
	}
}

func TestResetTearsDownAdaptersAndReboostraps(t *testing.T) {
	o := New(nil, registry.New(), "default", false, logging.Nop)
	a := &fakeAdapter{name: "a1"}
	o.Register(a)

	bootstrapped := false
	o.SetBootstrap(func(ctx context.Context) error {
		bootstrapped = true
		return nil
	})

	o.Reset(context.Background(), nil)

	if !a.shutdownCalled {
		t.Fatal("expected Reset to shut down the adapter")
	}
	if !bootstrapped {
		t.Fatal("expected Reset to invoke the bootstrap function")
	}
	if len(o.Adapters()) != 0 {
		t.Fatal("expected the adapter set to be cleared by Reset")
	}
}

func TestShutdownDisposesEveryAdapter(t *testing.T) {
	o := New(nil, registry.New(), "default", false, logging.Nop)
	a1 := &fakeAdapter{name: "a1"}
	a2 := &fakeAdapter{name: "a2"}
	o.Register(a1)
	o.Register(a2)

	o.Shutdown()

	if !a1.shutdownCalled || !a2.shutdownCalled {
		t.Fatal("expected both adapters to be shut down")
	}
	if len(o.Adapters()) != 0 {
		t.Fatal("expected the adapter set to be cleared")
	}
}

func TestDeleteDevicesFansOutAndClearsRegistry(t *testing.T) {
	reg := registry.New()
	reg.Set("dev-1", "sensor")
	o := New(nil, reg, "default", false, logging.Nop)
	a := &fakeAdapter{name: "a1"}
	o.Register(a)

	o.DeleteDevices(context.Background(), []string{"dev-1"})

	if len(a.deletedDevices) != 1 {
		t.Fatalf("expected adapter to receive the deletion, got %+v", a.deletedDevices)
	}
	if _, ok := reg.Get("dev-1"); ok {
		t.Fatal("expected registry entry to be cleared")
	}
}
