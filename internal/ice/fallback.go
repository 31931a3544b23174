package ice

// fallbackServers is the fixed public STUN list used whenever the external
// provider fails. Connectivity degrades (no TURN relay) but the system stays
// usable.
var fallbackServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// FallbackServers returns a fresh copy of the static public STUN list.
func FallbackServers() []Server {
	out := make([]Server, 0, len(fallbackServers))
	for _, url := range fallbackServers {
		out = append(out, Server{URLs: URLList{url}})
	}
	return out
}
