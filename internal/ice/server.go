// Package ice fetches short-lived relay/traversal (STUN/TURN) server lists
// from an external credential provider and falls back to a fixed public list
// whenever the provider cannot be reached.
package ice

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Server is a JSON-friendly ICE server entry as exchanged with clients and
// with the external provider. The urls field accepts both a single string and
// a string list on the wire.
type Server struct {
	URLs       URLList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// URLList unmarshals from either a JSON string or a JSON string array.
type URLList []string

func (u *URLList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*u = URLList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

// ToWebRTC converts a server list into pion's configuration type.
func ToWebRTC(servers []Server) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{
			URLs:     append([]string(nil), s.URLs...),
			Username: s.Username,
		}
		if s.Credential != "" {
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}

// Validate checks one server entry: at least one url, only stun/stuns/turn/
// turns schemes, and complete credentials whenever a TURN url is present.
func (s Server) Validate() error {
	if len(s.URLs) == 0 {
		return errors.New("missing urls")
	}

	requiresCreds := false
	for _, raw := range s.URLs {
		url := strings.TrimSpace(raw)
		if url == "" {
			return errors.New("urls must not contain empty entries")
		}
		if !isAllowedScheme(url) {
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			requiresCreds = true
		}
	}

	if requiresCreds {
		if strings.TrimSpace(s.Username) == "" {
			return errors.New("turn urls require username")
		}
		if strings.TrimSpace(s.Credential) == "" {
			return errors.New("turn urls require credential")
		}
	}
	return nil
}

func isAllowedScheme(url string) bool {
	switch {
	case strings.HasPrefix(url, "stun:"),
		strings.HasPrefix(url, "stuns:"),
		strings.HasPrefix(url, "turn:"),
		strings.HasPrefix(url, "turns:"):
		return true
	default:
		return false
	}
}
