package ice

import (
	"encoding/json"
	"testing"
)

func TestURLListAcceptsStringAndSlice(t *testing.T) {
	var s Server
	if err := json.Unmarshal([]byte(`{"urls":"stun:a.example:3478"}`), &s); err != nil {
		t.Fatalf("single string: %v", err)
	}
	if len(s.URLs) != 1 || s.URLs[0] != "stun:a.example:3478" {
		t.Fatalf("unexpected urls: %v", s.URLs)
	}

	if err := json.Unmarshal([]byte(`{"urls":["stun:a.example:3478","stun:b.example:3478"]}`), &s); err != nil {
		t.Fatalf("string slice: %v", err)
	}
	if len(s.URLs) != 2 {
		t.Fatalf("unexpected urls: %v", s.URLs)
	}
}

func TestServerValidate(t *testing.T) {
	tests := []struct {
		name    string
		server  Server
		wantErr bool
	}{
		{"stun only", Server{URLs: URLList{"stun:s.example:3478"}}, false},
		{"turn with creds", Server{URLs: URLList{"turn:t.example:3478"}, Username: "u", Credential: "c"}, false},
		{"turn missing creds", Server{URLs: URLList{"turn:t.example:3478"}}, true},
		{"turns missing username", Server{URLs: URLList{"turns:t.example:5349"}, Credential: "c"}, true},
		{"no urls", Server{}, true},
		{"empty url entry", Server{URLs: URLList{""}}, true},
		{"bad scheme", Server{URLs: URLList{"http://example.org"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.server.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestToWebRTC(t *testing.T) {
	servers := []Server{
		{URLs: URLList{"stun:s.example:3478"}},
		{URLs: URLList{"turn:t.example:3478"}, Username: "u", Credential: "c"},
	}

	out := ToWebRTC(servers)
	if len(out) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(out))
	}
	if out[0].Credential != nil {
		t.Fatalf("expected no credential for stun entry")
	}
	if cred, ok := out[1].Credential.(string); !ok || cred != "c" {
		t.Fatalf("expected turn credential to carry over, got %v", out[1].Credential)
	}
}
