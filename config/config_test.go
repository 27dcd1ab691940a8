package config

import "testing"

func TestLoadSourceCloudNotificationPriority(t *testing.T) {
	t.Setenv("mds_notification_type", "")
	t.Setenv("mds_enable_web_socket", "true")
	t.Setenv("mds_enable_long_poll", "true")
	sc := LoadSourceCloud()
	if sc.NotificationType != NotificationWebSocket {
		t.Fatalf("expected websocket to win priority, got %s", sc.NotificationType)
	}
}

func TestLoadSourceCloudExplicitType(t *testing.T) {
	t.Setenv("mds_notification_type", "poll")
	t.Setenv("mds_enable_web_socket", "true")
	sc := LoadSourceCloud()
	if sc.NotificationType != NotificationPoll {
		t.Fatalf("explicit mds_notification_type should win over legacy booleans, got %s", sc.NotificationType)
	}
}

func TestLoadSourceCloudDefaults(t *testing.T) {
	sc := LoadSourceCloud()
	if sc.MaxShadowCreateThreads != DefaultMaxShadowThreads {
		t.Fatalf("got %d want %d", sc.MaxShadowCreateThreads, DefaultMaxShadowThreads)
	}
	if len(sc.AttributeURIList) != 3 {
		t.Fatalf("expected default attribute uri list of 3, got %v", sc.AttributeURIList)
	}
}

func TestLoadPeerDefaults(t *testing.T) {
	p := LoadPeer("hub1")
	if p.MaxShadows != DefaultMaxShadows {
		t.Fatalf("got %d want %d", p.MaxShadows, DefaultMaxShadows)
	}
	if p.Name != "hub1" {
		t.Fatalf("got %q want %q", p.Name, "hub1")
	}
}
