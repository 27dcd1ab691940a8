// Package model holds the typed data records shared across the bridge:
// device records, resources, credentials, sessions and the decoded
// notification-event sum type. Untyped maps are used only at the JSON
// decode boundary in the notify package, never here.
package model

import "time"

// DefaultEndpointType substitutes for a missing or reserved endpoint type.
const DefaultEndpointType = "default"

// reservedEndpointTypes can never be used as a real endpoint type: they
// collide with lifecycle event keys or other sentinel values.
var reservedEndpointTypes = map[string]bool{
	"":           true,
	"reg-update": true,
	"null":       true,
}

// SanitizeEndpointType returns t unless it is empty or reserved, in which
// case it returns def (or DefaultEndpointType if def is also empty/reserved).
func SanitizeEndpointType(t, def string) string {
	if !reservedEndpointTypes[t] {
		return t
	}
	if !reservedEndpointTypes[def] {
		return def
	}
	return DefaultEndpointType
}

// Resource is one LWM2M resource entry reported by the source cloud for a
// device, e.g. {"path":"/3/0","rt":"","obs":false}.
type Resource struct {
	Path string `json:"path"`
	RT   string `json:"rt"`
	Obs  bool   `json:"obs"`
	Type string `json:"type,omitempty"`
}

// HasDeviceInfo reports whether the resource list includes the device
// information object (/3/0), which gates attribute retrieval (C6).
func HasDeviceInfo(resources []Resource) bool {
	for _, r := range resources {
		if r.Path == "/3/0" {
			return true
		}
	}
	return false
}

// Well-known metadata keys populated by the attribute retrieval dispatcher.
const (
	MetaManufacturer = "meta_mfg"
	MetaModel        = "meta_model"
	MetaSerial       = "meta_serial"
	MetaTime         = "meta_time"
)

// Device is the mutable per-device record, keyed by DeviceID, created on
// first sighting and destroyed on deletion or expiry.
type Device struct {
	DeviceID     string
	EndpointType string
	ETag         string
	Resources    []Resource
	Meta         map[string]string

	Discovered time.Time
}

// Sanitize fills in EndpointType using SanitizeEndpointType, mutating d.
func (d *Device) Sanitize(defaultType string) {
	d.EndpointType = SanitizeEndpointType(d.EndpointType, defaultType)
}

// MetaValue returns d.Meta[key], or "" if unset.
func (d *Device) MetaValue(key string) string {
	if d.Meta == nil {
		return ""
	}
	return d.Meta[key]
}

// SetMeta sets d.Meta[key] = value, allocating the map if necessary.
func (d *Device) SetMeta(key, value string) {
	if d.Meta == nil {
		d.Meta = make(map[string]string, 4)
	}
	d.Meta[key] = value
}
