// Package config loads the bridge's recognized configuration keys from
// the environment, mirroring the teacher's flag-variable-bag style in
// cmd/iothub-service/main.go rather than pulling in a config framework.
// cmd/shadowbridged's CLI flags do not override any of these keys.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// NotificationType selects which of the three C3 channel modes runs.
type NotificationType string

const (
	NotificationWebhook   NotificationType = "webhook"
	NotificationWebSocket NotificationType = "websocket"
	NotificationPoll      NotificationType = "poll"
)

// SourceCloud holds the C3/C4 configuration keys.
type SourceCloud struct {
	APIHost string // mds_address / api_endpoint_address
	APIPort int    // mds_port
	APIKey  string // api_key

	NotificationType NotificationType // mds_notification_type
	EnableLongPoll   bool             // mds_enable_long_poll (legacy)
	EnableWebSocket  bool             // mds_enable_web_socket (legacy)
	LongPollURI      string           // mds_long_poll_uri

	GatewayAddress     string // mds_gw_address
	GatewayPort        int    // mds_gw_port
	GatewayContextPath string // mds_gw_context_path
	GatewayEventsPath  string // mds_gw_events_path

	WebhookNumRetries int  // mds_webhook_num_retries
	WebhookRetryWait  time.Duration
	SkipValidation    bool // mds_skip_validation_checks

	EnableDeviceRequestAPI bool     // mds_enable_device_request_api
	EnableAttributeGets    bool     // mds_enable_attribute_gets
	AttributeURIList       []string // mds_attribute_uri_list

	MaxShadowCreateThreads int    // mds_max_shadow_create_threads
	DefaultEndpointType    string // mds_def_ep_type
	RemoveOnDeregistration bool   // mds_remove_on_deregistration
	PaginationLimit        int    // pelion_pagination_limit
}

// Peer holds the per-peer configuration keys (one instance per configured
// peer adapter, e.g. iot_event_hub_*).
type Peer struct {
	Name string

	ConnectString        string // iot_event_hub_connect_string
	SASToken             string // iot_event_hub_sas_token
	HubName              string // iot_event_hub_name
	MaxShadows           int    // iot_event_hub_max_shadows
	EnableDeviceIDPrefix bool   // iot_event_hub_enable_device_id_prefix
	DeviceIDPrefix       string // iot_event_hub_device_id_prefix
	VersionTag           string // iot_event_hub_version_tag
	MQTTAddress          string // iot_event_hub_mqtt_ip_address
	MQTTUsername         string // iot_event_hub_mqtt_username
	MQTTPassword         string // iot_event_hub_mqtt_password
	ObserveTopicTemplate string // iot_event_hub_observe_notification_topic
	CmdTopicTemplate     string // iot_event_hub_coap_cmd_topic
}

// Config is the fully assembled bridge configuration.
type Config struct {
	SourceCloud SourceCloud
	Peers       []Peer
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Default values per spec §6.
const (
	DefaultWebhookRetries      = 25
	DefaultMaxShadowThreads    = 100
	DefaultEndpointType        = "default"
	DefaultPaginationLimit     = 100
	DefaultMaxShadows          = 25000
	DefaultCredentialValidity  = 365 * 24 * time.Hour
	DefaultCredentialRefresh   = 360 * 24 * time.Hour
	DefaultWebhookRetryWait    = 2 * time.Second
)

// LoadSourceCloud reads the mds_*/api_* / pelion_* environment keys.
func LoadSourceCloud() SourceCloud {
	notifType := NotificationType(envStr("mds_notification_type", ""))
	if notifType == "" {
		// legacy boolean priority: websocket > long-poll > webhook
		switch {
		case envBool("mds_enable_web_socket", false):
			notifType = NotificationWebSocket
		case envBool("mds_enable_long_poll", false):
			notifType = NotificationPoll
		default:
			notifType = NotificationWebhook
		}
	}

	var uris []string
	if raw := envStr("mds_attribute_uri_list", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &uris); err != nil {
			uris = nil
		}
	}
	if len(uris) == 0 {
		uris = []string{"/3/0/0", "/3/0/1", "/3/0/2"}
	}

	host := envStr("mds_address", envStr("api_endpoint_address", ""))

	return SourceCloud{
		APIHost:  host,
		APIPort:  envInt("mds_port", 443),
		APIKey:   envStr("api_key", ""),

		NotificationType: notifType,
		EnableLongPoll:   envBool("mds_enable_long_poll", false),
		EnableWebSocket:  envBool("mds_enable_web_socket", false),
		LongPollURI:      envStr("mds_long_poll_uri", "/v2/notification/pull"),

		GatewayAddress:     envStr("mds_gw_address", ""),
		GatewayPort:        envInt("mds_gw_port", 8080),
		GatewayContextPath: envStr("mds_gw_context_path", ""),
		GatewayEventsPath:  envStr("mds_gw_events_path", "/events"),

		WebhookNumRetries: envInt("mds_webhook_num_retries", DefaultWebhookRetries),
		WebhookRetryWait:  DefaultWebhookRetryWait,
		SkipValidation:    envBool("mds_skip_validation_checks", false),

		EnableDeviceRequestAPI: envBool("mds_enable_device_request_api", true),
		EnableAttributeGets:    envBool("mds_enable_attribute_gets", true),
		AttributeURIList:       uris,

		MaxShadowCreateThreads: envInt("mds_max_shadow_create_threads", DefaultMaxShadowThreads),
		DefaultEndpointType:    envStr("mds_def_ep_type", DefaultEndpointType),
		RemoveOnDeregistration: envBool("mds_remove_on_deregistration", false),
		PaginationLimit:        envInt("pelion_pagination_limit", DefaultPaginationLimit),
	}
}

// LoadPeer reads the iot_event_hub_* environment keys for the named peer.
func LoadPeer(name string) Peer {
	return Peer{
		Name: name,

		ConnectString:        envStr("iot_event_hub_connect_string", ""),
		SASToken:             envStr("iot_event_hub_sas_token", ""),
		HubName:              envStr("iot_event_hub_name", ""),
		MaxShadows:           envInt("iot_event_hub_max_shadows", DefaultMaxShadows),
		EnableDeviceIDPrefix: envBool("iot_event_hub_enable_device_id_prefix", false),
		DeviceIDPrefix:       envStr("iot_event_hub_device_id_prefix", ""),
		VersionTag:           envStr("iot_event_hub_version_tag", "2020-09-30"),
		MQTTAddress:          envStr("iot_event_hub_mqtt_ip_address", ""),
		MQTTUsername:         envStr("iot_event_hub_mqtt_username", ""),
		MQTTPassword:         envStr("iot_event_hub_mqtt_password", ""),
		ObserveTopicTemplate: envStr("iot_event_hub_observe_notification_topic", "devices/__EPNAME__/messages/events/__OBSERVATION_KEY__"),
		CmdTopicTemplate:     envStr("iot_event_hub_coap_cmd_topic", "devices/__EPNAME__/messages/devicebound/#"),
	}
}
