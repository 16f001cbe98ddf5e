package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_CALL_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_CALL_STUN_URLS"
	envTurnURLs       = "AERO_CALL_TURN_URLS"
	envTurnUsername   = "AERO_CALL_TURN_USERNAME"
	envTurnCredential = "AERO_CALL_TURN_CREDENTIAL"
)

// iceSources are the raw ICE settings. JSON wins over the per-kind lists.
type iceSources struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// parseICEServers builds the endpoint ICE list. With mintedCreds set, TURN
// entries may omit credentials; they are filled in per identity later.
func parseICEServers(src iceSources, mintedCreds bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(src.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, mintedCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitList(src.STUNURLs); len(urls) > 0 {
		s := webrtc.ICEServer{URLs: urls}
		if turn, err := checkICEServer(s, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		} else if turn {
			return nil, fmt.Errorf("%s: turn urls belong in %s", envStunURLs, envTurnURLs)
		}
		servers = append(servers, s)
	}
	if urls := splitList(src.TURNURLs); len(urls) > 0 {
		s := iceServer(urls, src.TURNUsername, src.TURNCredential)
		if _, err := checkICEServer(s, mintedCreds); err != nil {
			return nil, fmt.Errorf("%s (with %s/%s): %w", envTurnURLs, envTurnUsername, envTurnCredential, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts the RTCIceServer "urls" member as a string or an array.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses an RTCIceServer list. Unknown members are
// rejected.
func ParseICEServersJSON(raw string, mintedCreds bool) ([]webrtc.ICEServer, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var list []iceServerJSON
	if err := dec.Decode(&list); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after ice server list")
	}

	out := make([]webrtc.ICEServer, 0, len(list))
	for i, entry := range list {
		s := iceServer(trimAll(entry.URLs), entry.Username, entry.Credential)
		if _, err := checkICEServer(s, mintedCreds); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func iceServer(urls []string, username, credential string) webrtc.ICEServer {
	s := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if c := strings.TrimSpace(credential); c != "" {
		s.Credential = c
	}
	return s
}

// checkICEServer validates every URL and reports whether any is a relay.
func checkICEServer(s webrtc.ICEServer, mintedCreds bool) (bool, error) {
	if len(s.URLs) == 0 {
		return false, errors.New("missing urls")
	}
	turn := false
	for _, raw := range s.URLs {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return false, fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if isRelay(u) {
			turn = true
		}
	}
	if turn && !mintedCreds {
		if s.Username == "" {
			return true, errors.New("turn urls require a username")
		}
		if c, _ := s.Credential.(string); c == "" {
			return true, errors.New("turn urls require a credential")
		}
	}
	return turn, nil
}

func isRelay(u *stun.URI) bool {
	return u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS
}

// HasTURNURL reports whether server lists a turn: or turns: URL.
func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		if u, err := stun.ParseURI(strings.TrimSpace(raw)); err == nil && isRelay(u) {
			return true
		}
	}
	return false
}

func splitList(value string) []string {
	return trimAll(strings.Split(value, ","))
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
