// Package orchestrator implements the C10 bridge orchestrator: the single
// process-wide instance that fans every decoded source-cloud event out to
// every registered peer adapter, and owns the reset-on-fatal-failure and
// shutdown sequences, grounded on notify.Channel's Dispatcher/Resetter
// contracts and the teacher's serialize-mutation/concurrent-dispatch split.
package orchestrator

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/shadowlink/bridge/adapter"
	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/model"
	"github.com/shadowlink/bridge/registry"
	"github.com/shadowlink/bridge/sourcecloud"
)

// BootstrapFunc re-runs device discovery, bulk subscription and shadow
// fan-out from scratch. cmd/shadowbridged supplies this at construction;
// Orchestrator itself holds no opinion on what a full bring-up involves.
type BootstrapFunc func(ctx context.Context) error

// Orchestrator is the C10 instance. Zero value is not usable; use New.
type Orchestrator struct {
	cloud               *sourcecloud.Client
	reg                 *registry.Registry
	logger              logging.Logger
	defaultEndpointType string
	removeOnDereg       bool

	mu        sync.Mutex
	adapters  []adapter.Adapter
	bootstrap BootstrapFunc
}

// New builds an Orchestrator. removeOnDeregistration and defaultEndpointType
// mirror the matching config.SourceCloud keys (spec §6).
func New(cloud *sourcecloud.Client, reg *registry.Registry, defaultEndpointType string, removeOnDeregistration bool, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Nop
	}
	return &Orchestrator{
		cloud:               cloud,
		reg:                 reg,
		logger:              logger,
		defaultEndpointType: defaultEndpointType,
		removeOnDereg:       removeOnDeregistration,
	}
}

// SetBootstrap installs the function Reset invokes after tearing every
// adapter down.
func (o *Orchestrator) SetBootstrap(fn BootstrapFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bootstrap = fn
}

// Register adds an adapter to the fan-out set. Serialized with Reset and
// Shutdown (spec §4.9: "serializes adapter registration and shutdown").
func (o *Orchestrator) Register(a adapter.Adapter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.adapters = append(o.adapters, a)
}

// Adapters returns a snapshot of the currently registered adapters.
func (o *Orchestrator) Adapters() []adapter.Adapter {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]adapter.Adapter, len(o.adapters))
	copy(out, o.adapters)
	return out
}

// DeviceRemovedOnDeRegistration is the orchestrator's policy getter (spec
// §4.9).
func (o *Orchestrator) DeviceRemovedOnDeRegistration() bool {
	return o.removeOnDereg
}

// Dispatch implements notify.Dispatcher. Every registered adapter runs
// concurrently; within a single adapter, event handling is sequential (spec
// §4.9: "event fan-out is concurrent across adapters but sequential within
// a single adapter").
func (o *Orchestrator) Dispatch(ctx context.Context, ev model.NotificationEvent) {
	adapters := o.Adapters()
	var wg sync.WaitGroup
	wg.Add(len(adapters))
	for _, a := range adapters {
		a := a
		go func() {
			defer wg.Done()
			o.dispatchOne(ctx, a, ev)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) dispatchOne(ctx context.Context, a adapter.Adapter, ev model.NotificationEvent) {
	switch ev.Kind {
	case model.EventRegistration:
		sanitizeAll(ev.Devices, o.defaultEndpointType)
		a.ProcessNewRegistration(ctx, ev.Devices)
	case model.EventReRegistration:
		sanitizeAll(ev.Devices, o.defaultEndpointType)
		a.ProcessReRegistration(ctx, ev.Devices)
	case model.EventDeregistration:
		a.ProcessDeregistrations(ctx, ev.IDs)
	case model.EventRegistrationsExpired:
		a.ProcessRegistrationsExpired(ctx, ev.IDs)
	case model.EventNotification:
		a.ProcessNotification(ctx, ev.Observations)
	case model.EventAsyncResponse:
		a.ProcessAsyncResponses(ctx, ev.AsyncResponses)
	default:
		o.logger.Warnf("orchestrator: unhandled event kind %s", ev.Kind)
	}
}

func sanitizeAll(devices []model.Device, def string) {
	for i := range devices {
		devices[i].Sanitize(def)
	}
}

// DeleteDevices fans an out-of-band device deletion (e.g. an administrative
// API call, distinct from the lifecycle events the source cloud pushes) out
// to every registered adapter's ProcessDeviceDeletions.
func (o *Orchestrator) DeleteDevices(ctx context.Context, ids []string) {
	for _, a := range o.Adapters() {
		a.ProcessDeviceDeletions(ctx, ids)
	}
	for _, id := range ids {
		o.reg.Delete(id)
	}
}

// Reset implements notify.Resetter: tears every adapter down, clears the
// registered set, then re-runs the bootstrap sequence (spec §4.9/§7:
// "Fatal: webhook cannot be established after N retries -> invoke
// orchestrator reset() (full re-init)").
func (o *Orchestrator) Reset(ctx context.Context, reason error) {
	if reason != nil {
		// notify wraps bring-up failures; log the root cause, not the chain.
		o.logger.Warnf("orchestrator: resetting bridge: %s", errors.Cause(reason))
	}

	o.mu.Lock()
	adapters := o.adapters
	o.adapters = nil
	bootstrap := o.bootstrap
	o.mu.Unlock()

	for _, a := range adapters {
		a.Shutdown()
	}
	if bootstrap == nil {
		return
	}
	if err := bootstrap(ctx); err != nil {
		o.logger.Errorf("orchestrator: reset bootstrap failed: %s", err)
	}
}

// Shutdown disposes every registered adapter and clears the set.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	adapters := o.adapters
	o.adapters = nil
	o.mu.Unlock()

	for _, a := range adapters {
		a.Shutdown()
	}
}
