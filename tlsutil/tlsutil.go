// Package tlsutil builds the TLS client configuration shared by the
// HTTPS, MQTT and AMQP transports.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
)

// ClientConfig returns a tls.Config using the system root pool, plus any
// extraCA PEM bundles appended (for a peer that uses a private PKI; no
// configuration key feeds extra bundles in, so callers pass them directly).
// serverName overrides SNI/verification when the dial address differs
// from the certificate's subject (e.g. connecting through a gateway).
func ClientConfig(serverName string, extraCAPEM ...[]byte) (*tls.Config, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	for _, pem := range extraCAPEM {
		if len(pem) == 0 {
			continue
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, errors.New("tlsutil: unable to append CA certificate to pool")
		}
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, nil
}
