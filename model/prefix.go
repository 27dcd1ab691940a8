package model

import "strings"

// PrefixPolicy is a per-peer device-id prefixing policy: when Enabled,
// PrefixedName prepends Prefix+Separator to a bare device id, and
// DeviceID strips it back off. Both directions are pure functions.
type PrefixPolicy struct {
	Enabled   bool
	Prefix    string
	Separator string
}

func (p PrefixPolicy) token() string {
	return p.Prefix + p.Separator
}

// PrefixedName maps a bare device id to its peer-visible name. Calling it
// twice is idempotent: PrefixedName(PrefixedName(id)) == PrefixedName(id).
func (p PrefixPolicy) PrefixedName(deviceID string) string {
	if !p.Enabled || p.Prefix == "" {
		return deviceID
	}
	t := p.token()
	if strings.HasPrefix(deviceID, t) {
		return deviceID
	}
	return t + deviceID
}

// DeviceID recovers the bare device id from a peer-visible name.
// DeviceID(PrefixedName(id)) == id holds for every id that does not itself
// begin with Prefix+Separator; such an id is left unprefixed by
// PrefixedName and loses that leading token here.
func (p PrefixPolicy) DeviceID(prefixedName string) string {
	if !p.Enabled || p.Prefix == "" {
		return prefixedName
	}
	return strings.TrimPrefix(prefixedName, p.token())
}
