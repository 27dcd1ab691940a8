package credentials

import (
	"testing"
	"time"
)

func TestParseConnectionStringTotal(t *testing.T) {
	cs, err := ParseConnectionString("HostName=test.azure-devices.net;SharedAccessKeyName=device;SharedAccessKey=c2VjcmV0")
	if err != nil {
		t.Fatal(err)
	}
	if cs.HostName != "test.azure-devices.net" || cs.SharedAccessKeyName != "device" || cs.SharedAccessKey != "c2VjcmV0" {
		t.Fatalf("unexpected parse result: %+v", cs)
	}
}

func TestParseConnectionStringMissingKey(t *testing.T) {
	cases := []string{
		"SharedAccessKeyName=device;SharedAccessKey=c2VjcmV0",
		"HostName=test.azure-devices.net;SharedAccessKey=c2VjcmV0",
		"HostName=test.azure-devices.net;SharedAccessKeyName=device",
		"",
	}
	for _, s := range cases {
		if _, err := ParseConnectionString(s); err != ErrMalformed {
			t.Fatalf("ParseConnectionString(%q) = %v, want ErrMalformed", s, err)
		}
	}
}

func TestParseConnectionStringPlaceholder(t *testing.T) {
	_, err := ParseConnectionString("HostName=Goes_Here;SharedAccessKeyName=device;SharedAccessKey=c2VjcmV0")
	if err != ErrPlaceholder {
		t.Fatalf("got %v, want ErrPlaceholder", err)
	}
}

func TestHubName(t *testing.T) {
	cs := &ConnectionString{HostName: "myhub.azure-devices.net"}
	if got := cs.HubName(); got != "myhub" {
		t.Fatalf("HubName() = %q, want %q", got, "myhub")
	}
}

func TestSignToken(t *testing.T) {
	cs, err := ParseConnectionString("HostName=test.azure-devices.net;SharedAccessKeyName=device;SharedAccessKey=c2VjcmV0")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2017, 1, 1, 1, 1, 1, 0, time.UTC)
	tok, err := cs.SignToken(cs.HostName, time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	const want = "SharedAccessSignature sr=test.azure-devices.net&sig=xGY7AIxWEei5%2BSlVMsNQqTIcp5F79ukCam0K9HXxGxo%3D&se=1483236061&skn=device"
	if tok != want {
		t.Fatalf("SignToken = %q, want %q", tok, want)
	}
}

func TestSignTokenEmptyURI(t *testing.T) {
	cs := &ConnectionString{HostName: "h", SharedAccessKeyName: "k", SharedAccessKey: "c2VjcmV0"}
	if _, err := cs.SignToken("", time.Hour, time.Now()); err == nil {
		t.Fatal("expected error for empty uri")
	}
}
