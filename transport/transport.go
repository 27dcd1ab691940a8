// Package transport defines the C1 transport abstractions the rest of the
// bridge is written against: an HTTPS client used by sourcecloud and the
// webhook bring-up sequence, and an MQTT-like pub/sub session used by peer
// adapters. Concrete implementations live in the httptransport,
// mqtttransport and amqptransport subpackages.
//
// The shape is grounded on iotdevice/transport.Transport's one-interface,
// multiple-concrete-implementation pattern, generalized from "device
// transport to a single cloud" to "either REST client or pub/sub session
// to an arbitrary peer."
package transport

import "context"

// Response is the result of one HTTPSClient call: the body plus the status
// code, surfaced together so the caller can do idiomatic status-code
// branching without a separate round trip (spec §4.1).
type Response struct {
	Body   []byte
	Status int
}

// HTTPSClient is the C1 HTTPS client contract used by sourcecloud and the
// webhook bring-up sequence. Retries, timeouts and connection pooling are
// the implementation's concern.
type HTTPSClient interface {
	Get(ctx context.Context, url string, bearer string) (Response, error)
	Put(ctx context.Context, url string, body []byte, contentType, bearer string) (Response, error)
	Post(ctx context.Context, url string, body []byte, contentType, bearer string) (Response, error)
	Delete(ctx context.Context, url string, bearer string) (Response, error)
}

// ReceiveFunc is invoked by a single dedicated task per MQTTSession for
// every inbound message; the adapter must treat it as serial per session
// (spec §4.1).
type ReceiveFunc func(topic string, payload []byte)

// MQTTSession is the C1 MQTT session contract used by peer adapters. A
// session is constructed once per device shadow and is not reused across
// devices.
type MQTTSession interface {
	// Connect dials host:port with the given client id. cleanSession
	// controls whether the broker discards prior subscription state.
	Connect(ctx context.Context, host string, port int, clientID string, cleanSession bool) (bool, error)
	Subscribe(topics []Topic) error
	Unsubscribe(topics []string) error
	SendMessage(topic string, body []byte, qos byte) (bool, error)
	Disconnect(hard bool)
	IsConnected() bool
	SetOnReceiveListener(fn ReceiveFunc)
}

// Topic is one subscription request: a topic filter plus its QoS.
type Topic struct {
	Name string
	QoS  byte
}

// SessionOption configures an MQTTSession at construction time, mirroring
// the spec's "useSSL(true)", "noSelfSignedCertsOrKeys(true)",
// "setCredentials(client_id, user, pass)" construction knobs.
type SessionOption func(*SessionConfig)

// SessionConfig accumulates the options an MQTTSession constructor applies.
type SessionConfig struct {
	UseSSL               bool
	AllowSelfSignedCerts bool
	Username, Password   string
	ErrorSink            func(err error)
}

// WithSSL toggles TLS on the underlying connection.
func WithSSL(enable bool) SessionOption {
	return func(c *SessionConfig) { c.UseSSL = enable }
}

// WithSelfSignedCerts toggles acceptance of self-signed/unverified peer
// certificates (spec's "noSelfSignedCertsOrKeys(true)", inverted to a
// positive flag here since the option enables rather than forbids them).
func WithSelfSignedCerts(allow bool) SessionOption {
	return func(c *SessionConfig) { c.AllowSelfSignedCerts = allow }
}

// WithCredentials sets the username/password presented at connect time.
func WithCredentials(username, password string) SessionOption {
	return func(c *SessionConfig) { c.Username = username; c.Password = password }
}

// WithErrorSink registers a callback for asynchronous session errors.
func WithErrorSink(fn func(err error)) SessionOption {
	return func(c *SessionConfig) { c.ErrorSink = fn }
}

// NewSessionConfig applies opts over a zero SessionConfig.
func NewSessionConfig(opts ...SessionOption) SessionConfig {
	var c SessionConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
