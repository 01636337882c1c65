package domain

import "testing"

func TestDomainOf(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sales@Acme.Test", "acme.test"},
		{" sales@acme.test ", "acme.test"},
		{"a@b@c.test", "b@c.test"},
		{"no-at-sign", ""},
		{"@acme.test", ""},
		{"sales@", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := DomainOf(tt.in); got != tt.want {
			t.Errorf("DomainOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Sales@Acme.Test", "sales@acme.test"},
		{"  sales@acme.test\n", "sales@acme.test"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.in); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEndpointTypeValid(t *testing.T) {
	for _, typ := range []EndpointType{EndpointWebhook, EndpointEmail, EndpointEmailGroup} {
		if !typ.Valid() {
			t.Errorf("EndpointType(%q).Valid() = false, want true", typ)
		}
	}
	if EndpointType("slack").Valid() {
		t.Error("unknown endpoint type reported valid")
	}
}

func TestTruncateResponseBody(t *testing.T) {
	short := "ok"
	if got := TruncateResponseBody(short); got != short {
		t.Errorf("short body changed: %q", got)
	}

	long := make([]byte, ResponseBodyLimit+100)
	for i := range long {
		long[i] = 'x'
	}
	if got := TruncateResponseBody(string(long)); len(got) != ResponseBodyLimit {
		t.Errorf("truncated length = %d, want %d", len(got), ResponseBodyLimit)
	}
}
