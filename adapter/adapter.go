// Package adapter defines the C9 peer adapter contract and the shared
// logic every concrete adapter runs against it: topic-template
// substitution, observation re-serialization, and inbound CoAP/API-request
// classification. Concrete adapters (mqttadapter, amqpadapter) supply only
// a transport.MQTTSession factory and peer-specific credentials; the rest
// is implemented once in Core and exercised by both, grounded on
// iotdevice.Client's "one client, pluggable transport.Transport" shape in
// iotdevice/client.go generalized from "one shared transport" to "one
// transport.MQTTSession per device shadow".
package adapter

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shadowlink/bridge/model"
)

// APIRequest is the decoded form of a peer-originated API request (spec
// §4.8 processApiRequestOperation).
type APIRequest struct {
	URI         string
	Body        []byte
	Options     string
	Verb        string
	RequestID   string
	APIKey      string
	Caller      string
	ContentType string
}

// ApiResponse is returned by ProcessAPIRequestOperation, wrapping the C4
// result for the peer-facing reply (spec §4.8/§7).
type ApiResponse struct {
	StatusCode      int
	Body            []byte
	AsyncResponseID string
}

// Adapter is the C9 contract every peer implementation satisfies. The
// orchestrator holds a list of these and fans every decoded source-cloud
// event out to each one.
type Adapter interface {
	// Name identifies the adapter for logging and registry bookkeeping.
	Name() string

	RegisterNewDevice(ctx context.Context, device *model.Device) bool
	DeleteDevice(ctx context.Context, deviceID string) bool

	ProcessNotification(ctx context.Context, entries []model.ObservationEntry)
	ProcessNewRegistration(ctx context.Context, devices []model.Device)
	ProcessReRegistration(ctx context.Context, devices []model.Device)
	ProcessDeregistrations(ctx context.Context, ids []string)
	ProcessRegistrationsExpired(ctx context.Context, ids []string)
	ProcessDeviceDeletions(ctx context.Context, ids []string)

	// ProcessAsyncResponses resolves pending correlation records created by
	// OnMessageReceive for queued GET/PUT commands (spec §4.8's "record a
	// correlation record" completed by the matching async-response body).
	ProcessAsyncResponses(ctx context.Context, responses []model.AsyncResponseEntry)

	ProcessAPIRequestOperation(ctx context.Context, req APIRequest) ApiResponse
	ProcessEndpointResourceOperation(ctx context.Context, verb, deviceID, uri, value, options string) (string, error)

	// OnMessageReceive is installed as the transport.ReceiveFunc for every
	// session this adapter owns.
	OnMessageReceive(topic string, payload []byte)

	// Shutdown disposes every live session this adapter owns.
	Shutdown()
}

// substituteEPName fills __EPNAME__ in a topic template (spec §4.8 topic
// layout).
func substituteEPName(template, epname string) string {
	return strings.ReplaceAll(template, "__EPNAME__", epname)
}

// swapKey maps an observation topic to its reply counterpart by swapping a
// known substring, e.g. __OBSERVATION_KEY__ -> __CMD_RESPONSE_KEY__ (spec
// §4.8: "reply topics swap a known substring").
func swapKey(topic, from, to string) string {
	return strings.ReplaceAll(topic, from, to)
}

// prefixedNameFromTopic extracts the second slash-delimited segment of an
// inbound topic, e.g. "devices/<prefixed_name>/messages/devicebound/foo"
// (spec §4.8: "Parse topic -> prefixed_name (2nd slash segment)").
func prefixedNameFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// digitalTwinTopicPrefix is the fixed prefix of the per-peer digital-twin
// topic (spec §4.8 topic layout).
const digitalTwinTopicPrefix = "$iothub/twin/res/"

func isDigitalTwinTopic(topic string) bool {
	return strings.HasPrefix(topic, digitalTwinTopicPrefix)
}

// formatObservation re-serializes a raw telemetry payload into the unified
// envelope published on the observation topic (spec §4.8
// processNotification: "attempts JSON parse (composite) else derives a
// fundamental scalar, re-serializes as a unified-format string").
func formatObservation(ep, path string, raw []byte, ct string) ([]byte, error) {
	envelope := struct {
		EP    string      `json:"ep"`
		Path  string      `json:"path"`
		Value interface{} `json:"value"`
		Ct    string      `json:"ct,omitempty"`
	}{EP: ep, Path: path, Ct: ct}

	var composite interface{}
	if len(raw) > 0 && json.Unmarshal(raw, &composite) == nil {
		envelope.Value = composite
	} else {
		envelope.Value = scalarValue(raw)
	}
	return json.Marshal(envelope)
}

// scalarValue derives a fundamental scalar (bool, number, or string) from a
// raw non-JSON payload, the fallback leg of processNotification's decode.
func scalarValue(raw []byte) interface{} {
	s := string(raw)
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// inboundWire is the JSON shape of a message arriving on a device's command
// topic: either a CoAP command or an API request, disambiguated by which
// fields are present (spec §4.8 "Inbound handling").
type inboundWire struct {
	// CoAP command fields.
	CoapVerb string `json:"coap_verb"`
	Path     string `json:"path"`
	NewValue string `json:"new_value"`
	EP       string `json:"ep"`
	Options  string `json:"options"`

	// API request fields; Rid's presence marks this as an API request
	// rather than a CoAP command.
	Rid     string `json:"rid"`
	APIKey  string `json:"api_key"`
	Caller  string `json:"caller"`
	Ct      string `json:"ct"`
	URI     string `json:"uri"`
	Verb    string `json:"verb"`
	Body    string `json:"body"`
}

// isAPIRequest reports whether a decoded inboundWire describes a peer API
// request rather than a CoAP command (spec §4.8: "if the message JSON is
// an API request, invoke processApiRequestOperation").
func (w inboundWire) isAPIRequest() bool {
	return w.Rid != ""
}

// asyncResponseID extracts the async-response-id from a direct-mode command
// result, returning "" when the result is not an async-response body (spec
// §4.8: "If the response indicates an async-response and the verb is GET or
// PUT, record a correlation record").
func asyncResponseID(result string) string {
	var r struct {
		ID string `json:"async-response-id"`
	}
	if json.Unmarshal([]byte(result), &r) != nil {
		return ""
	}
	return r.ID
}

// topicParam extracts key= from a topic's trailing segment, the fallback
// used when coap_verb/coap_uri are absent from the JSON body (spec §4.8:
// "falling back to topic parameters coap_verb= / coap_uri=").
func topicParam(topic, key string) string {
	marker := key + "="
	idx := strings.Index(topic, marker)
	if idx < 0 {
		return ""
	}
	rest := topic[idx+len(marker):]
	if end := strings.IndexByte(rest, '&'); end >= 0 {
		rest = rest[:end]
	}
	return rest
}

// decodeTwinDesired parses a digital-twin payload's desired-property map,
// each value kept as its raw string form for re-use as a CoAP PUT value.
func decodeTwinDesired(payload []byte) (map[string]string, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, false
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil {
			out[k] = s
		} else {
			out[k] = string(v)
		}
	}
	return out, true
}

// encodeTwinReported marshals the per-property PUT results into the
// reported-properties twin patch body.
func encodeTwinReported(reported map[string]string) ([]byte, error) {
	return json.Marshal(reported)
}

// decodeInbound parses an inbound command-topic message, falling back to
// topic parameters for coap_verb/path when the body omits them.
func decodeInbound(topic string, payload []byte) (inboundWire, bool) {
	var w inboundWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return inboundWire{}, false
	}
	if w.CoapVerb == "" {
		w.CoapVerb = topicParam(topic, "coap_verb")
	}
	if w.Path == "" {
		w.Path = topicParam(topic, "coap_uri")
	}
	return w, true
}
