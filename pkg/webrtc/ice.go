package webrtc

import (
	"strings"

	"github.com/giongto35/synthmesh/pkg/config"
	"github.com/pion/webrtc/v4"
)

// iceServers converts config servers into pion ones.
// The urls param of a server may hold a comma separated list.
func iceServers(servers []config.IceServer) []webrtc.ICEServer {
	out := []webrtc.ICEServer{}
	for _, server := range servers {
		var urls []string
		for _, u := range strings.Split(server.Urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) == 0 {
			continue
		}
		ice := webrtc.ICEServer{URLs: urls}
		if server.IsTurn() {
			ice.Username = server.Username
			ice.Credential = server.Credential
		}
		out = append(out, ice)
	}
	return out
}
