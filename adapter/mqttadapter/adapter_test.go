package mqttadapter

import (
	"testing"

	"github.com/shadowlink/bridge/adapter"
	"github.com/shadowlink/bridge/config"
	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/registry"
	"github.com/shadowlink/bridge/sourcecloud"
)

func TestNewBuildsAnAdapterBoundToMQTTPort(t *testing.T) {
	cloud, err := sourcecloud.New("example.invalid", 443, "key")
	if err != nil {
		t.Fatal(err)
	}
	a := New("hub1", config.Peer{Name: "hub1", MaxShadows: 10}, cloud, registry.New(), config.SourceCloud{}, logging.Nop)

	var _ adapter.Adapter = a
	if a.Name() != "hub1" {
		t.Fatalf("got name %q, want hub1", a.Name())
	}
}
