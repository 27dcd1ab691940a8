// Package mqttadapter is the MQTT exemplar peer adapter (spec §4.8): it
// wires adapter.Core to mqtttransport.Session, the paho-backed
// transport.MQTTSession implementation, over TLS port 8883.
package mqttadapter

import (
	"github.com/shadowlink/bridge/adapter"
	"github.com/shadowlink/bridge/config"
	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/registry"
	"github.com/shadowlink/bridge/sourcecloud"
	"github.com/shadowlink/bridge/transport"
	"github.com/shadowlink/bridge/transport/mqtttransport"
)

// DefaultPort is the standard TLS MQTT port peer hubs listen on (spec §6:
// "TLS to peer port 8883").
const DefaultPort = 8883

// New builds an adapter.Core bound to mqtttransport, ready to register under
// the orchestrator.
func New(name string, peer config.Peer, cloud *sourcecloud.Client, reg *registry.Registry, sourceCfg config.SourceCloud, logger logging.Logger) *adapter.Core {
	return adapter.New(adapter.Options{
		Name:     name,
		Peer:     peer,
		Cloud:    cloud,
		Registry: reg,
		Logger:   logger,
		Port:     DefaultPort,
		NewSession: func(sessionLogger logging.Logger, username, password string) transport.MQTTSession {
			return mqtttransport.New(sessionLogger,
				transport.WithSSL(true),
				transport.WithCredentials(username, password),
			)
		},
		RemoveOnDeregistration: sourceCfg.RemoveOnDeregistration,
		EnableDeviceRequestAPI: sourceCfg.EnableDeviceRequestAPI,
		EnableAttributeGets:    sourceCfg.EnableAttributeGets,
		AttributeURIs:          sourceCfg.AttributeURIList,
	})
}
