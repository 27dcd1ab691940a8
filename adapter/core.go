package adapter

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/shadowlink/bridge/attrs"
	"github.com/shadowlink/bridge/config"
	"github.com/shadowlink/bridge/credentials"
	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/model"
	"github.com/shadowlink/bridge/registry"
	"github.com/shadowlink/bridge/shadow"
	"github.com/shadowlink/bridge/sourcecloud"
	"github.com/shadowlink/bridge/transport"
)

// Reply-topic tokens swapped into the peer's observation topic template
// (spec §4.8 topic layout).
const (
	observationKeyToken = "__OBSERVATION_KEY__"
	cmdResponseKey      = "cmd-response"
	apiResponseKey      = "api-response"
	observationKey      = ""
)

// defaultReconnectSleep is used when Options.ReconnectSleep is unset.
const defaultReconnectSleep = 2 * time.Second

// SessionFactory builds a fresh transport.MQTTSession for one device shadow,
// pre-armed with the per-device username/password the credential service
// derived. mqttadapter and amqpadapter each supply one bound to their own
// transport implementation.
type SessionFactory func(logger logging.Logger, username, password string) transport.MQTTSession

// Options configures a Core. Peer, Cloud, Registry and NewSession are
// required; the rest have spec-mandated defaults.
type Options struct {
	Name       string
	Peer       config.Peer
	Cloud      *sourcecloud.Client
	Registry   *registry.Registry
	Logger     logging.Logger
	NewSession SessionFactory

	// Port is the transport-specific connect port (8883 for MQTT TLS,
	// 5671 for AMQPS), set by the concrete adapter package.
	Port int

	RemoveOnDeregistration bool
	EnableDeviceRequestAPI bool
	EnableAttributeGets    bool
	AttributeURIs          []string
	ReconnectSleep         time.Duration
}

// Core implements the Adapter interface once, against the transport.MQTTSession
// abstraction, so mqttadapter and amqpadapter need only supply a
// SessionFactory and peer-specific wiring (grounded on iotdevice.Client's
// single-client-pluggable-transport shape, generalized to one session per
// device shadow rather than one shared transport).
type Core struct {
	name   string
	peer   config.Peer
	cloud  *sourcecloud.Client
	table  *shadow.Table
	reg    *registry.Registry
	creds  *credentials.Service
	logger logging.Logger
	prefix model.PrefixPolicy

	newSession             SessionFactory
	port                   int
	maxShadows             int
	removeOnDeregistration bool
	enableDeviceRequestAPI bool
	enableAttributeGets    bool
	reconnectSleep         time.Duration

	attrDispatcher *attrs.Dispatcher

	corrMu       sync.Mutex
	correlations map[string]model.CorrelationRecord
}

// publisher is the subset of transport.MQTTSession Core needs to reply on
// an already-established session.
type publisher interface {
	SendMessage(topic string, body []byte, qos byte) (bool, error)
}

// sessionHandle wraps a transport.MQTTSession so the value stored in
// model.Session.Transport satisfies both shadow.Disposable (for table
// teardown) and publisher (for replies), without the table ever knowing
// the concrete transport type.
type sessionHandle struct {
	transport.MQTTSession
}

func (h sessionHandle) Unsubscribe(topics []model.Topic) error {
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.Name
	}
	return h.MQTTSession.Unsubscribe(names)
}

func (h sessionHandle) Disconnect(hard bool) error {
	h.MQTTSession.Disconnect(hard)
	return nil
}

var _ shadow.Disposable = sessionHandle{}
var _ publisher = sessionHandle{}

// New builds a Core from o. If o.Peer.ConnectString parses, a credentials.Service
// is started to keep the MQTT password fresh; otherwise the adapter falls
// back to o.Peer.SASToken as a static secret (spec §4.2's two credential
// kinds).
func New(o Options) *Core {
	logger := o.Logger
	if logger == nil {
		logger = logging.Nop
	}
	reconnectSleep := o.ReconnectSleep
	if reconnectSleep <= 0 {
		reconnectSleep = defaultReconnectSleep
	}
	maxShadows := o.Peer.MaxShadows
	if maxShadows <= 0 {
		maxShadows = shadow.DefaultMaxShadows
	}

	c := &Core{
		name:                   o.Name,
		peer:                   o.Peer,
		cloud:                  o.Cloud,
		table:                  shadow.New(o.Peer.MaxShadows),
		reg:                    o.Registry,
		logger:                 logger,
		prefix:                 model.PrefixPolicy{Enabled: o.Peer.EnableDeviceIDPrefix, Prefix: o.Peer.DeviceIDPrefix, Separator: "-"},
		newSession:             o.NewSession,
		port:                   o.Port,
		maxShadows:             maxShadows,
		removeOnDeregistration: o.RemoveOnDeregistration,
		enableDeviceRequestAPI: o.EnableDeviceRequestAPI,
		enableAttributeGets:    o.EnableAttributeGets,
		reconnectSleep:         reconnectSleep,
		correlations:           make(map[string]model.CorrelationRecord),
	}

	if cs, err := credentials.ParseConnectionString(o.Peer.ConnectString); err == nil {
		c.creds = credentials.NewService(cs, cs.HostName, config.DefaultCredentialValidity, config.DefaultCredentialRefresh, logger)
		if err := c.creds.Start(); err != nil {
			c.logger.Warnf("%s: start credential service: %s", c.name, err)
			c.creds = nil
		}
	} else if o.Peer.SASToken != "" {
		c.creds = credentials.NewStatic(o.Peer.SASToken, logger)
	}

	c.attrDispatcher = attrs.New(o.Cloud, o.AttributeURIs, c.completeNewDeviceRegistration, logger)
	return c
}

// Name returns the adapter's configured name.
func (c *Core) Name() string { return c.name }

func (c *Core) currentPassword() string {
	if c.creds != nil {
		return c.creds.Current()
	}
	return c.peer.MQTTPassword
}

// mqttUsername derives the per-device connect username: the configured
// template (if any) with __EPNAME__ substituted, else hubname/prefixed-name,
// both suffixed with /<api_version_tag> (spec §4.8 "MQTT credentials").
func (c *Core) mqttUsername(prefixedName string) string {
	if c.peer.MQTTUsername != "" {
		return substituteEPName(c.peer.MQTTUsername, prefixedName) + "/" + c.peer.VersionTag
	}
	return c.peer.HubName + "/" + prefixedName + "/" + c.peer.VersionTag
}

// topicFor derives a reply/observation topic for prefixedName by
// substituting __EPNAME__ into the peer's observation-topic template and
// swapping __OBSERVATION_KEY__ for key (spec §4.8: "reply topics swap a
// known substring").
func (c *Core) topicFor(prefixedName, key string) string {
	t := substituteEPName(c.peer.ObserveTopicTemplate, prefixedName)
	return swapKey(t, observationKeyToken, key)
}

func toTransportTopics(topics []model.Topic) []transport.Topic {
	out := make([]transport.Topic, len(topics))
	for i, t := range topics {
		out[i] = transport.Topic{Name: t.Name, QoS: t.QoS}
	}
	return out
}

// RegisterNewDevice creates the peer-side MQTT session for device: builds
// per-device credentials, connects, subscribes the command and digital-twin
// topics, and installs the session in the shadow table (spec §4.8,
// "registerNewDevice"). Returns false (and leaves no session registered) if
// the connect fails or the table is at capacity.
func (c *Core) RegisterNewDevice(ctx context.Context, device *model.Device) bool {
	prefixedName := c.prefix.PrefixedName(device.DeviceID)
	if c.table.HasSession(prefixedName) {
		return true
	}

	session := c.newSession(c.logger, c.mqttUsername(prefixedName), c.currentPassword())
	ok, err := session.Connect(ctx, c.peer.MQTTAddress, c.port, prefixedName, true)
	if err != nil || !ok {
		c.logger.Warnf("%s: connect %s: %v", c.name, prefixedName, err)
		return false
	}

	topics := []model.Topic{
		{Name: substituteEPName(c.peer.CmdTopicTemplate, prefixedName), QoS: 1},
		{Name: digitalTwinTopicPrefix + "#", QoS: 1},
	}

	session.SetOnReceiveListener(c.OnMessageReceive)
	if err := session.Subscribe(toTransportTopics(topics)); err != nil {
		c.logger.Warnf("%s: subscribe %s: %v", c.name, prefixedName, err)
		session.Disconnect(true)
		return false
	}

	sess := &model.Session{
		PrefixedName: prefixedName,
		EndpointType: device.EndpointType,
		Topics:       topics,
		Transport:    sessionHandle{session},
		Stop:         make(chan struct{}),
		Done:         make(chan struct{}),
	}
	// The transport delivers inbound messages on its own internal task,
	// not a listener goroutine the table must join; Done starts closed so
	// RemoveSession's join never blocks waiting on one that doesn't exist.
	close(sess.Done)

	if err := c.table.AddSession(prefixedName, sess); err != nil {
		c.logger.Warnf("%s: register %s: %v", c.name, prefixedName, err)
		session.Disconnect(true)
		return false
	}
	c.reg.Set(device.DeviceID, device.EndpointType)
	return true
}

// DeleteDevice stops the listener, disconnects, removes the shadow and
// clears the registry entry for deviceID (spec §4.8 "deleteDevice").
// Idempotent: deleting an unknown device still succeeds.
func (c *Core) DeleteDevice(ctx context.Context, deviceID string) bool {
	prefixedName := c.prefix.PrefixedName(deviceID)
	// A retrieval still in flight would re-register the shadow after this
	// deletion; wait for it before tearing the session down.
	c.attrDispatcher.Join(deviceID)
	c.table.RemoveSession(prefixedName)
	c.reg.Delete(deviceID)
	return true
}

// completeNewDeviceRegistration is the attrs.CompletionFunc invoked once a
// device's attributes have been collected (spec §4.8: "the async completion
// invokes completeNewDeviceRegistration").
func (c *Core) completeNewDeviceRegistration(ctx context.Context, device *model.Device) {
	if !c.RegisterNewDevice(ctx, device) {
		c.logger.Warnf("%s: complete registration for %s: register failed", c.name, device.DeviceID)
	}
}

// ProcessNotification re-serializes each telemetry entry into the unified
// observation envelope and publishes it on the device's observation topic
// at QoS 0 (spec §4.8 "processNotification").
func (c *Core) ProcessNotification(ctx context.Context, entries []model.ObservationEntry) {
	for _, e := range entries {
		prefixedName := c.prefix.PrefixedName(e.DeviceID)
		sess, ok := c.table.Session(prefixedName)
		if !ok {
			continue
		}
		pub, ok := sess.Transport.(publisher)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(e.PayloadB64)
		if err != nil {
			c.logger.Warnf("%s: notification payload for %s: %s", c.name, e.DeviceID, err)
			continue
		}
		body, err := formatObservation(prefixedName, e.Path, raw, e.Ct)
		if err != nil {
			c.logger.Warnf("%s: format observation for %s: %s", c.name, e.DeviceID, err)
			continue
		}
		if _, err := pub.SendMessage(c.topicFor(prefixedName, observationKey), body, 0); err != nil {
			c.logger.Warnf("%s: publish observation for %s: %s", c.name, e.DeviceID, err)
		}
	}
}

// ProcessNewRegistration and ProcessReRegistration are treated identically
// (spec §4.8): for each device under the shadow cap, attribute retrieval is
// triggered; its async completion calls completeNewDeviceRegistration.
func (c *Core) ProcessNewRegistration(ctx context.Context, devices []model.Device) {
	c.dispatchRegistrations(ctx, devices)
}

func (c *Core) ProcessReRegistration(ctx context.Context, devices []model.Device) {
	c.dispatchRegistrations(ctx, devices)
}

func (c *Core) dispatchRegistrations(ctx context.Context, devices []model.Device) {
	for i := range devices {
		d := devices[i]
		if c.table.Count() >= c.maxShadows {
			c.logger.Warnf("%s: shadow table at capacity, skipping %s", c.name, d.DeviceID)
			continue
		}
		if c.enableAttributeGets && model.HasDeviceInfo(d.Resources) {
			c.attrDispatcher.Dispatch(ctx, &d)
			continue
		}
		// No device-info object to read (or attribute gets disabled):
		// registration completes without a retrieval round.
		c.completeNewDeviceRegistration(ctx, &d)
	}
}

// ProcessDeregistrations and ProcessRegistrationsExpired apply the global
// remove-on-deregistration policy: either tear the shadow down entirely, or
// just disconnect the MQTT session and keep it (spec §4.8).
func (c *Core) ProcessDeregistrations(ctx context.Context, ids []string) {
	c.endLifecycle(ids)
}

func (c *Core) ProcessRegistrationsExpired(ctx context.Context, ids []string) {
	c.endLifecycle(ids)
}

func (c *Core) endLifecycle(ids []string) {
	for _, id := range ids {
		prefixedName := c.prefix.PrefixedName(id)
		if c.removeOnDeregistration {
			c.table.RemoveSession(prefixedName)
			c.reg.Delete(id)
			continue
		}
		if sess, ok := c.table.Session(prefixedName); ok {
			if d, ok := sess.Transport.(shadow.Disposable); ok {
				_ = d.Disconnect(true)
			}
		}
	}
}

// ProcessDeviceDeletions unconditionally tears down the shadow and clears
// the registry entry for each id (spec §4.8).
func (c *Core) ProcessDeviceDeletions(ctx context.Context, ids []string) {
	for _, id := range ids {
		c.DeleteDevice(ctx, id)
	}
}

// ProcessAsyncResponses resolves a pending correlation record for each
// completed async id, publishing the observation envelope on the
// originating device's cmd-response topic (spec §4.8/§8: "a GET request ...
// records exactly one correlation; never both [a synthetic observation and
// a correlation record]").
func (c *Core) ProcessAsyncResponses(ctx context.Context, responses []model.AsyncResponseEntry) {
	for _, r := range responses {
		c.corrMu.Lock()
		rec, ok := c.correlations[r.ID]
		if ok {
			delete(c.correlations, r.ID)
		}
		c.corrMu.Unlock()
		if !ok {
			continue
		}

		payload, err := base64.StdEncoding.DecodeString(r.PayloadB64)
		if err != nil {
			c.logger.Warnf("%s: async response %s payload: %s", c.name, r.ID, err)
			continue
		}
		prefixedName := c.prefix.PrefixedName(rec.DeviceID)
		body, err := formatObservation(prefixedName, rec.URI, payload, "")
		if err != nil {
			continue
		}
		c.publishReply(prefixedName, cmdResponseKey, body)
	}
}

func (c *Core) recordCorrelation(asyncID, verb, deviceID, uri, inboundTopic string) {
	c.corrMu.Lock()
	defer c.corrMu.Unlock()
	c.correlations[asyncID] = model.CorrelationRecord{
		AsyncID:      asyncID,
		Verb:         verb,
		DeviceID:     deviceID,
		URI:          uri,
		InboundTopic: inboundTopic,
		ReplyTopic:   c.topicFor(c.prefix.PrefixedName(deviceID), cmdResponseKey),
		Created:      time.Now(),
	}
}

// ProcessAPIRequestOperation forwards a peer-originated API request to the
// source cloud, wrapping the result (spec §4.8).
func (c *Core) ProcessAPIRequestOperation(ctx context.Context, req APIRequest) ApiResponse {
	status, body, err := c.cloud.Forward(ctx, req.Verb, req.URI, req.Options, req.Body)
	if err != nil {
		c.logger.Warnf("%s: api request %s: %s", c.name, req.RequestID, err)
		return ApiResponse{Body: []byte(`{"api_execute_status":"forward failed"}`)}
	}
	return ApiResponse{StatusCode: status, Body: body}
}

// ProcessEndpointResourceOperation forwards a CoAP verb through the
// source-cloud client, using the queued device-request mode when enabled
// (yielding an async-response-id) or the direct mode otherwise (spec §4.8,
// §4.4).
func (c *Core) ProcessEndpointResourceOperation(ctx context.Context, verb, deviceID, uri, value, options string) (string, error) {
	if c.enableDeviceRequestAPI {
		res, err := c.cloud.QueuedRequest(ctx, deviceID, verb, uri, []byte(value))
		if err != nil {
			return `{"api_execute_status":"invalid coap verb"}`, err
		}
		return res.AsyncResponseID, nil
	}
	res, err := c.cloud.DirectRequest(ctx, deviceID, verb, uri, options, []byte(value))
	if err != nil {
		return `{"api_execute_status":"invalid coap verb"}`, err
	}
	return string(res.Payload), nil
}

// OnMessageReceive classifies one inbound message by topic and dispatches
// it to the digital-twin, API-request, or CoAP-command handling path (spec
// §4.8 "Inbound handling").
func (c *Core) OnMessageReceive(topic string, payload []byte) {
	prefixedName, ok := prefixedNameFromTopic(topic)
	if !ok {
		c.logger.Warnf("%s: cannot parse device name from topic %q", c.name, topic)
		return
	}
	deviceID := c.prefix.DeviceID(prefixedName)
	ctx := context.Background()

	if isDigitalTwinTopic(topic) {
		c.handleDigitalTwin(ctx, prefixedName, deviceID, payload)
		return
	}

	w, ok := decodeInbound(topic, payload)
	if !ok {
		c.publishReply(prefixedName, apiResponseKey, []byte(`{"api_execute_status":"unparsable json"}`))
		return
	}

	if w.isAPIRequest() {
		resp := c.ProcessAPIRequestOperation(ctx, APIRequest{
			URI:         w.URI,
			Body:        []byte(w.Body),
			Verb:        w.Verb,
			RequestID:   w.Rid,
			APIKey:      w.APIKey,
			Caller:      w.Caller,
			ContentType: w.Ct,
		})
		c.publishReply(prefixedName, apiResponseKey, resp.Body)
		return
	}

	if w.CoapVerb == "" {
		c.publishReply(prefixedName, cmdResponseKey, []byte(`{"api_execute_status":"invalid coap verb"}`))
		return
	}

	result, err := c.ProcessEndpointResourceOperation(ctx, w.CoapVerb, deviceID, w.Path, w.NewValue, w.Options)
	if err != nil {
		c.publishReply(prefixedName, cmdResponseKey, []byte(result))
		return
	}

	verb := strings.ToUpper(w.CoapVerb)
	if c.enableDeviceRequestAPI && (verb == "GET" || verb == "PUT") {
		c.recordCorrelation(result, verb, deviceID, w.Path, topic)
		return
	}
	if id := asyncResponseID(result); id != "" && (verb == "GET" || verb == "PUT") {
		// Direct mode can still come back deferred; the observation is
		// published when the matching async-response arrives, never both.
		c.recordCorrelation(id, verb, deviceID, w.Path, topic)
		return
	}
	if verb == "GET" {
		body, err := formatObservation(prefixedName, w.Path, []byte(result), "")
		if err == nil {
			c.publishReply(prefixedName, cmdResponseKey, body)
		}
	}
}

// handleDigitalTwin applies each desired-property key as a CoAP PUT and
// acks with a reported-properties twin patch (spec §4.8: "publish
// downstream CoAP PUT and ack with twin-PATCH").
func (c *Core) handleDigitalTwin(ctx context.Context, prefixedName, deviceID string, payload []byte) {
	desired, ok := decodeTwinDesired(payload)
	if !ok {
		c.logger.Warnf("%s: unparsable digital twin payload for %s", c.name, prefixedName)
		return
	}

	reported := make(map[string]string, len(desired))
	for key, raw := range desired {
		uri := "/" + strings.ReplaceAll(key, ".", "/")
		result, err := c.ProcessEndpointResourceOperation(ctx, "PUT", deviceID, uri, raw, "")
		if err != nil {
			reported[key] = "error"
			continue
		}
		reported[key] = result
	}

	body, err := encodeTwinReported(reported)
	if err != nil {
		return
	}
	c.publishReply(prefixedName, "", body)
}

func (c *Core) publishReply(prefixedName, key string, body []byte) {
	sess, ok := c.table.Session(prefixedName)
	if !ok {
		return
	}
	pub, ok := sess.Transport.(publisher)
	if !ok {
		return
	}
	topic := c.topicFor(prefixedName, key)
	if _, err := pub.SendMessage(topic, body, 0); err != nil {
		c.logger.Warnf("%s: publish reply to %s: %s", c.name, prefixedName, err)
	}
}

// Reconnect tears down and rebuilds device's peer-side session, restoring
// its subscriptions: it removes the session from the table (stop listener,
// unsubscribe, hard disconnect, drop the entry), sleeps the reconnect
// interval twice, then registers the device again with a new session and
// its command and digital-twin subscriptions.
func (c *Core) Reconnect(ctx context.Context, device *model.Device) bool {
	prefixedName := c.prefix.PrefixedName(device.DeviceID)
	c.table.RemoveSession(prefixedName)
	time.Sleep(c.reconnectSleep)
	time.Sleep(c.reconnectSleep)
	return c.RegisterNewDevice(ctx, device)
}

// Shutdown disposes every live session this Core owns and halts the
// credential refresh loop.
func (c *Core) Shutdown() {
	for _, name := range c.table.Names() {
		c.table.RemoveSession(name)
	}
	if c.creds != nil {
		c.creds.Stop()
	}
}

var _ Adapter = (*Core)(nil)
