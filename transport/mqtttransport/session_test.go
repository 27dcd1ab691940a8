package mqtttransport

import (
	"testing"

	"github.com/shadowlink/bridge/logging"
)

func TestSessionIsConnectedBeforeConnect(t *testing.T) {
	s := New(logging.Nop)
	if s.IsConnected() {
		t.Fatal("expected a freshly constructed session to report disconnected")
	}
}

func TestSessionDisconnectWithoutConnectIsSafe(t *testing.T) {
	s := New(logging.Nop)
	s.Disconnect(true) // must not panic
	if s.IsConnected() {
		t.Fatal("expected disconnected state")
	}
}

func TestSessionSendMessageWithoutConnectFails(t *testing.T) {
	s := New(logging.Nop)
	ok, err := s.SendMessage("topic", []byte("x"), 0)
	if ok || err == nil {
		t.Fatal("expected SendMessage to fail before Connect")
	}
}
