// Package credentials implements the per-peer credential service (C2):
// parsing a connection string, deriving a time-bounded signed token, and
// refreshing it on a schedule in the background.
package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// placeholderSentinel is a value the source material uses as a
// connection-string placeholder; its presence is treated as
// auth mis-configuration per spec §7.
const placeholderSentinel = "Goes_Here"

// ErrMalformed is returned when a connection string is missing one of
// the three required keys.
var ErrMalformed = errors.New("credentials: malformed connection string, HostName/SharedAccessKeyName/SharedAccessKey required")

// ErrPlaceholder is returned when a connection string still contains the
// unconfigured sentinel value.
var ErrPlaceholder = errors.New("credentials: connection string not configured")

// ConnectionString is the parsed form of
// "HostName=<host>;SharedAccessKeyName=<kn>;SharedAccessKey=<k>".
type ConnectionString struct {
	HostName            string
	SharedAccessKeyName string
	SharedAccessKey     string
}

// knownDNSSuffixes are stripped from HostName to recover a bare hub name,
// per spec §4.2 ("Host name for the peer is the hostname portion of the
// parsed connection string with the known DNS suffix stripped").
var knownDNSSuffixes = []string{
	".azure-devices.net",
	".servicebus.windows.net",
}

// ParseConnectionString parses cs into its three required keys. Parsing
// is total: well-formed input produces exactly three keys, and any
// missing key yields ErrMalformed (spec §8's "Laws" property).
func ParseConnectionString(cs string) (*ConnectionString, error) {
	m := map[string]string{}
	for _, chunk := range strings.Split(cs, ";") {
		if chunk == "" {
			continue
		}
		kv := strings.SplitN(chunk, "=", 2)
		if len(kv) != 2 {
			return nil, ErrMalformed
		}
		m[kv[0]] = kv[1]
	}

	host, hOK := m["HostName"]
	kn, knOK := m["SharedAccessKeyName"]
	k, kOK := m["SharedAccessKey"]
	if !hOK || !knOK || !kOK || host == "" || kn == "" || k == "" {
		return nil, ErrMalformed
	}
	if strings.Contains(cs, placeholderSentinel) {
		return nil, ErrPlaceholder
	}
	return &ConnectionString{HostName: host, SharedAccessKeyName: kn, SharedAccessKey: k}, nil
}

// HubName returns the HostName with any known DNS suffix stripped.
func (c *ConnectionString) HubName() string {
	for _, suf := range knownDNSSuffixes {
		if strings.HasSuffix(c.HostName, suf) {
			return strings.TrimSuffix(c.HostName, suf)
		}
	}
	return c.HostName
}

// SignToken generates a SAS-style signed token for uri, valid for
// validity starting at now.
func (c *ConnectionString) SignToken(uri string, validity time.Duration, now time.Time) (string, error) {
	if uri == "" {
		return "", errors.New("credentials: uri is blank")
	}
	key, err := base64.StdEncoding.DecodeString(c.SharedAccessKey)
	if err != nil {
		return "", fmt.Errorf("credentials: decode shared access key: %w", err)
	}

	sr := url.QueryEscape(uri)
	se := now.Add(validity).Unix()

	signable := fmt.Sprintf("%s\n%d", sr, se)
	h := hmac.New(sha256.New, key)
	if _, err := h.Write([]byte(signable)); err != nil {
		return "", err
	}
	sig := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return "SharedAccessSignature " +
		"sr=" + sr +
		"&sig=" + url.QueryEscape(sig) +
		"&se=" + url.QueryEscape(strconv.FormatInt(se, 10)) +
		"&skn=" + url.QueryEscape(c.SharedAccessKeyName), nil
}
