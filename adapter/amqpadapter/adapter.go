// Package amqpadapter is a SPEC_FULL addition alongside the spec's MQTT
// exemplar: it wires adapter.Core to amqptransport.Session (pack.ag/amqp)
// over AMQPS port 5671, exercising the same peer-adapter contract against a
// second protocol so a deployment can shadow devices into an AMQP-speaking
// peer instead of (or alongside) an MQTT one.
package amqpadapter

import (
	"github.com/shadowlink/bridge/adapter"
	"github.com/shadowlink/bridge/config"
	"github.com/shadowlink/bridge/logging"
	"github.com/shadowlink/bridge/registry"
	"github.com/shadowlink/bridge/sourcecloud"
	"github.com/shadowlink/bridge/transport"
	"github.com/shadowlink/bridge/transport/amqptransport"
)

// DefaultPort is the standard AMQPS port (spec's peer surface generalized
// from MQTT's 8883 to AMQP's own TLS convention).
const DefaultPort = 5671

// New builds an adapter.Core bound to amqptransport.
func New(name string, peer config.Peer, cloud *sourcecloud.Client, reg *registry.Registry, sourceCfg config.SourceCloud, logger logging.Logger) *adapter.Core {
	return adapter.New(adapter.Options{
		Name:     name,
		Peer:     peer,
		Cloud:    cloud,
		Registry: reg,
		Logger:   logger,
		Port:     DefaultPort,
		NewSession: func(sessionLogger logging.Logger, username, password string) transport.MQTTSession {
			return amqptransport.New(sessionLogger,
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
