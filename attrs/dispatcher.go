// Package attrs implements the attribute retrieval dispatcher (C6): for
// newly discovered devices that carry the device-info object, it fetches a
// configured set of resource values through the source-cloud client and
// writes them into the device record's metadata, then hands the device back
// to its caller for registration completion, grounded on the
// single-in-flight-per-key invariant used by iotdevice's messageMux "once"
// helper.
package attrs

import (
	"context"
	"strings"
	"sync"

	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/model"
	"github.com/shadowlink/bridge/sourcecloud"
)

// wellKnownMetaKeys maps the default attribute URIs to the metadata keys
// the spec names explicitly (spec §4.5: "meta_mfg, meta_model,
// meta_serial, …").
var wellKnownMetaKeys = map[string]string{
	"/3/0/0": model.MetaManufacturer,
	"/3/0/1": model.MetaModel,
	"/3/0/2": model.MetaSerial,
}

// metaKeyForURI returns the metadata key a resource URI is stored under.
func metaKeyForURI(uri string) string {
	if k, ok := wellKnownMetaKeys[uri]; ok {
		return k
	}
	return "meta_" + strings.Trim(strings.ReplaceAll(uri, "/", "_"), "_")
}

// CompletionFunc is called once a device's attributes have been collected,
// corresponding to the orchestrator's completeNewDeviceRegistration.
type CompletionFunc func(ctx context.Context, device *model.Device)

// Dispatcher retrieves device attributes through a source-cloud client,
// enforcing at most one in-flight retrieval per device.
type Dispatcher struct {
	cloud *sourcecloud.Client
	uris  []string
	done  CompletionFunc
	log   logging.Logger

	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

// New builds a Dispatcher. uris defaults to the spec's canonical device-info
// triple when empty.
func New(cloud *sourcecloud.Client, uris []string, done CompletionFunc, log logging.Logger) *Dispatcher {
	if len(uris) == 0 {
		uris = []string{"/3/0/0", "/3/0/1", "/3/0/2"}
	}
	if log == nil {
		log = logging.Nop
	}
	return &Dispatcher{cloud: cloud, uris: uris, done: done, log: log, inFlight: make(map[string]chan struct{})}
}

// Dispatch runs the attribute retrieval for device as a concurrent task if
// device has the device-info resource and no retrieval is already pending
// for it; otherwise it is a no-op (spec §4.5 invariant).
func (d *Dispatcher) Dispatch(ctx context.Context, device *model.Device) {
	if !model.HasDeviceInfo(device.Resources) {
		return
	}

	d.mu.Lock()
	if _, pending := d.inFlight[device.DeviceID]; pending {
		d.mu.Unlock()
		return
	}
	finished := make(chan struct{})
	d.inFlight[device.DeviceID] = finished
	d.mu.Unlock()

	go d.run(ctx, device, finished)
}

func (d *Dispatcher) run(ctx context.Context, device *model.Device, finished chan struct{}) {
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, device.DeviceID)
		d.mu.Unlock()
		close(finished)
	}()

	for _, uri := range d.uris {
		res, err := d.cloud.DirectRequest(ctx, device.DeviceID, "GET", uri, "", nil)
		if err != nil {
			d.log.Warnf("attrs: %s %s: %s", device.DeviceID, uri, err)
			continue
		}
		device.SetMeta(metaKeyForURI(uri), string(res.Payload))
	}

	if d.done != nil {
		d.done(ctx, device)
	}
}

// Pending reports whether a retrieval is currently in flight for deviceID,
// for tests and diagnostics.
func (d *Dispatcher) Pending(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, pending := d.inFlight[deviceID]
	return pending
}

// Join blocks until any in-flight retrieval for deviceID has finished;
// device deletion calls this before freeing the record (spec §5: "Session
// deletion joins any retrieval worker still running for that device").
func (d *Dispatcher) Join(deviceID string) {
	d.mu.Lock()
	finished := d.inFlight[deviceID]
	d.mu.Unlock()
	if finished != nil {
		<-finished
	}
}
