package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		in       string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{"HTTPS://Example.COM:443", "https://example.com", "example.com", true},
		{"http://localhost:5173/", "http://localhost:5173", "localhost:5173", true},
		{"http://example.com:80", "http://example.com", "example.com", true},
		{"https://example.com:80", "https://example.com:80", "example.com:80", true},
		{"http://[::1]:8080", "http://[::1]:8080", "[::1]:8080", true},
		{"http://[::1]", "http://[::1]", "[::1]", true},
		{"  null ", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://example.com/?q=1", "", "", false},
		{"https://example.com?", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com/#frag", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:99999", "", "", false},
		{"https://example.com:", "", "", false},
		{"example.com", "", "", false},
	}
	for _, tc := range cases {
		norm, host, ok := NormalizeHeader(tc.in)
		if ok != tc.wantOK || norm != tc.wantNorm || host != tc.wantHost {
			t.Fatalf("NormalizeHeader(%q)=(%q,%q,%v), want (%q,%q,%v)", tc.in, norm, host, ok, tc.wantNorm, tc.wantHost, tc.wantOK)
		}
	}
}

func TestIsAllowed(t *testing.T) {
	norm, host, ok := NormalizeHeader("https://app.example.com")
	if !ok {
		t.Fatalf("NormalizeHeader ok=false")
	}

	cases := []struct {
		name        string
		requestHost string
		allowed     []string
		want        bool
	}{
		{"same host", "app.example.com", nil, true},
		{"same host default port", "APP.example.com:443", nil, true},
		{"different port", "app.example.com:8443", nil, false},
		{"different host", "api.example.com", nil, false},
		{"star", "whatever:1234", []string{"*"}, true},
		{"explicit", "mailbox.example.com", []string{"https://app.example.com"}, true},
		{"not listed", "app.example.com", []string{"https://other.example.com"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsAllowed(norm, host, tc.requestHost, tc.allowed); got != tc.want {
				t.Fatalf("IsAllowed(%q)=%v, want %v", tc.requestHost, got, tc.want)
			}
		})
	}

	null, nullHost, _ := NormalizeHeader("null")
	if IsAllowed(null, nullHost, "app.example.com", nil) {
		t.Fatalf("null origin allowed by same-host default")
	}
	if !IsAllowed(null, nullHost, "app.example.com", []string{"null"}) {
		t.Fatalf("null origin rejected although listed")
	}
}
