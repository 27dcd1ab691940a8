// Package mqtttransport implements transport.MQTTSession over
// github.com/eclipse/paho.mqtt.golang, grounded on the ClientOptions
// wiring in transport/mqtt/mqtt.go and iotdevice/transport/mqtt/mqtt.go
// (TLS dial options, SetOnConnectHandler/SetConnectionLostHandler).
package mqtttransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/tlsutil"
	"github.com/shadowlink/bridge/transport"
)

// Session implements transport.MQTTSession over a single paho client.
type Session struct {
	cfg    transport.SessionConfig
	logger logging.Logger

	mu      sync.RWMutex
	conn    mqtt.Client
	onRecv  transport.ReceiveFunc
}

// New builds a Session with the given construction-time options (spec
// §4.1: useSSL, noSelfSignedCertsOrKeys, setCredentials).
func New(logger logging.Logger, opts ...transport.SessionOption) *Session {
	if logger == nil {
		logger = logging.Nop
	}
	return &Session{cfg: transport.NewSessionConfig(opts...), logger: logger}
}

// Connect dials host:port and blocks until the initial connect completes
// or fails.
func (s *Session) Connect(ctx context.Context, host string, port int, clientID string, cleanSession bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := mqtt.NewClientOptions()
	scheme := "tcp"
	if s.cfg.UseSSL {
		scheme = "tls"
		tlsCfg, err := tlsutil.ClientConfig(host)
		if err != nil {
			return false, err
		}
		tlsCfg.InsecureSkipVerify = s.cfg.AllowSelfSignedCerts
		o.SetTLSConfig(tlsCfg)
	}
	o.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, host, port))
	o.SetClientID(clientID)
	if s.cfg.Username != "" {
		o.SetUsername(s.cfg.Username)
		o.SetPassword(s.cfg.Password)
	}
	o.SetCleanSession(cleanSession)
	o.SetAutoReconnect(true)
	o.SetConnectTimeout(15 * time.Second)
	o.SetOnConnectHandler(func(mqtt.Client) {
		s.logger.Debugf("mqtttransport: connected to %s:%d as %s", host, port, clientID)
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warnf("mqtttransport: connection lost: %s", err)
		if s.cfg.ErrorSink != nil {
			s.cfg.ErrorSink(err)
		}
	})
	o.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		s.mu.RLock()
		fn := s.onRecv
		s.mu.RUnlock()
		if fn != nil {
			fn(m.Topic(), m.Payload())
		}
	})

	c := mqtt.NewClient(o)
	token := c.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return false, fmt.Errorf("mqtttransport: connect to %s:%d timed out", host, port)
	}
	if err := token.Error(); err != nil {
		return false, err
	}
	s.conn = c
	return true, nil
}

// Subscribe subscribes to the given topics at their requested QoS.
func (s *Session) Subscribe(topics []transport.Topic) error {
	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("mqtttransport: not connected")
	}
	for _, t := range topics {
		token := c.Subscribe(t.Name, t.QoS, nil)
		if token.WaitTimeout(15*time.Second) && token.Error() != nil {
			return token.Error()
		}
	}
	return nil
}

// Unsubscribe unsubscribes from the given topic filters, best-effort per
// the shadow table's removal contract (spec §4.6).
func (s *Session) Unsubscribe(topics []string) error {
	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()
	if c == nil || len(topics) == 0 {
		return nil
	}
	token := c.Unsubscribe(topics...)
	token.WaitTimeout(5 * time.Second)
	return token.Error()
}

// SendMessage publishes body to topic at qos, returning once the broker
// has acknowledged (or the default timeout elapses).
func (s *Session) SendMessage(topic string, body []byte, qos byte) (bool, error) {
	s.mu.RLock()
	c := s.conn
	s.mu.RUnlock()
	if c == nil {
		return false, fmt.Errorf("mqtttransport: not connected")
	}
	token := c.Publish(topic, qos, false, body)
	if !token.WaitTimeout(15 * time.Second) {
		return false, nil
	}
	return token.Error() == nil, token.Error()
}

// Disconnect tears down the session. hard selects an immediate disconnect
// (no quiesce period) versus a graceful one.
func (s *Session) Disconnect(hard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	quiesce := uint(250)
	if hard {
		quiesce = 0
	}
	s.conn.Disconnect(quiesce)
	s.conn = nil
}

// IsConnected reports whether the underlying client believes it is
// connected.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && s.conn.IsConnected()
}

// SetOnReceiveListener installs the callback invoked by the session's
// single dedicated receive task for every inbound message (spec §4.1:
// "invoked by a single dedicated task per session ... serial per
// session" — paho itself serializes calls to the default publish
// handler per client).
func (s *Session) SetOnReceiveListener(fn transport.ReceiveFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecv = fn
}
