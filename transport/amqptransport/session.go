// Package amqptransport implements transport.MQTTSession over
// pack.ag/amqp, so amqpadapter can exercise the same peer-adapter contract
// as mqtttransport over an AMQP broker instead of MQTT. Grounded on
// transport/amqp/amqp.go's Dial/NewReceiver/NewSender usage and
// eventhub/client.go's session handling.
package amqptransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "pack.ag/amqp"

	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/transport"
)

// Session implements transport.MQTTSession over one AMQP connection,
// mapping each transport.Topic to a receiver link address and publishing
// over a single cached sender link.
type Session struct {
	cfg    transport.SessionConfig
	logger logging.Logger

	mu        sync.Mutex
	client    *amqp.Client
	session   *amqp.Session
	receivers map[string]*amqp.Receiver
	sender    *amqp.Sender
	onRecv    transport.ReceiveFunc

	stop chan struct{}
}

// New builds a Session with the given construction-time options.
func New(logger logging.Logger, opts ...transport.SessionOption) *Session {
	if logger == nil {
		logger = logging.Nop
	}
	return &Session{
		cfg:       transport.NewSessionConfig(opts...),
		logger:    logger,
		receivers: make(map[string]*amqp.Receiver),
		stop:      make(chan struct{}),
	}
}

// Connect dials host:port over AMQPS and opens a session. clientID and
// cleanSession have no AMQP equivalent and are accepted for interface
// parity with mqtttransport.Session.
func (s *Session) Connect(ctx context.Context, host string, port int, clientID string, cleanSession bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := []amqp.ConnOption{
		amqp.ConnSASLPlain(s.cfg.Username, s.cfg.Password),
	}
	addr := fmt.Sprintf("amqps://%s:%d", host, port)
	client, err := amqp.Dial(addr, opts...)
	if err != nil {
		return false, err
	}
	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return false, err
	}
	s.client = client
	s.session = sess
	return true, nil
}

// Subscribe opens one receiver link per topic and starts a dedicated
// goroutine per link feeding the registered ReceiveFunc, mirroring the
// spec's single-dedicated-task-per-session receive model (fanned out per
// link address since AMQP has no single multiplexed subscription socket).
func (s *Session) Subscribe(topics []transport.Topic) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("amqptransport: not connected")
	}

	for _, t := range topics {
		recv, err := sess.NewReceiver(amqp.LinkSourceAddress(t.Name))
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.receivers[t.Name] = recv
		s.mu.Unlock()
		go s.receiveLoop(t.Name, recv)
	}
	return nil
}

func (s *Session) receiveLoop(address string, recv *amqp.Receiver) {
	for {
		msg, err := recv.Receive(context.Background())
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				s.logger.Warnf("amqptransport: receive on %s: %s", address, err)
				return
			}
		}
		_ = msg.Accept()

		s.mu.Lock()
		fn := s.onRecv
		s.mu.Unlock()
		if fn != nil && len(msg.Data) > 0 {
			fn(address, msg.Data[0])
		}
	}
}

// Unsubscribe closes the receiver links for the named addresses,
// best-effort.
func (s *Session) Unsubscribe(addresses []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addresses {
		if recv, ok := s.receivers[a]; ok {
			_ = recv.Close(context.Background())
			delete(s.receivers, a)
		}
	}
	return nil
}

// SendMessage sends body to the given link address over a cached sender
// link, opening it on first use.
func (s *Session) SendMessage(address string, body []byte, qos byte) (bool, error) {
	s.mu.Lock()
	sess := s.session
	if s.sender == nil && sess != nil {
		sender, err := sess.NewSender(amqp.LinkTargetAddress(address))
		if err != nil {
			s.mu.Unlock()
			return false, err
		}
		s.sender = sender
	}
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return false, fmt.Errorf("amqptransport: not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := sender.Send(ctx, &amqp.Message{Data: [][]byte{body}}); err != nil {
		return false, err
	}
	return true, nil
}

// Disconnect closes all receivers, the sender and the session/connection.
func (s *Session) Disconnect(hard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	for addr, recv := range s.receivers {
		_ = recv.Close(context.Background())
		delete(s.receivers, addr)
	}
	if s.sender != nil {
		_ = s.sender.Close(context.Background())
		s.sender = nil
	}
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	s.session = nil
}

// IsConnected reports whether the session holds an open client connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// SetOnReceiveListener installs the callback invoked for every inbound
// message across all subscribed link addresses.
func (s *Session) SetOnReceiveListener(fn transport.ReceiveFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRecv = fn
}
