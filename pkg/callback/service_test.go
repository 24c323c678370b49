package callback

import (
	"errors"
	"testing"
)

func TestParseServiceName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		proto   string
		port    int
		wantErr bool
	}{
		{"tcp", "forward-tcp-10001", "tcp", 10001, false},
		{"udp", "forward-udp-53", "udp", 53, false},
		{"max port", "forward-tcp-65535", "tcp", 65535, false},
		{"missing prefix", "tcp-10001", "", 0, true},
		{"other prefix", "relay-tcp-10001", "", 0, true},
		{"no port", "forward-tcp-", "", 0, true},
		{"no protocol", "forward--10001", "", 0, true},
		{"port zero", "forward-tcp-0", "", 0, true},
		{"port too large", "forward-tcp-70000", "", 0, true},
		{"not a number", "forward-tcp-http", "", 0, true},
		{"unknown protocol", "forward-sctp-10001", "", 0, true},
		{"empty", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proto, port, err := ParseServiceName(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedService) {
					t.Fatalf("expected ErrMalformedService, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if proto != tt.proto || port != tt.port {
				t.Errorf("got (%s, %d), want (%s, %d)", proto, port, tt.proto, tt.port)
			}
		})
	}
}

func TestServiceName(t *testing.T) {
	if got := ServiceName("udp", 5353); got != "forward-udp-5353" {
		t.Errorf("ServiceName = %q", got)
	}
}

func TestClientID(t *testing.T) {
	id := EncodeClientID(42, 7)
	if id != "u:42:r:7" {
		t.Fatalf("EncodeClientID = %q", id)
	}
	userID, ruleID, err := ParseClientID(id)
	if err != nil || userID != 42 || ruleID != 7 {
		t.Errorf("ParseClientID = (%d, %d, %v)", userID, ruleID, err)
	}

	for _, bad := range []string{"", "u:42", "u:x:r:7", "x:42:r:7", "u:42:r:0", "u:-1:r:7", "u:42:r:7:extra"} {
		if _, _, err := ParseClientID(bad); !errors.Is(err, ErrMalformedClientID) {
			t.Errorf("ParseClientID(%q) error = %v, want ErrMalformedClientID", bad, err)
		}
	}
}
