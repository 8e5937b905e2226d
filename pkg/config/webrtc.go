package config

import "strings"

type Webrtc struct {
	DisableDefaultInterceptors bool
	IceServers                 []IceServer
	IcePorts                   struct {
		Min uint16
		Max uint16
	}
	IceIpMap string
	IceLite  bool
	// IncludeLoopback allows 127.0.0.1 candidates, needed for same-host meshes.
	IncludeLoopback bool
	LogLevel        int `default:"2"`
}

type IceServer struct {
	Urls       string `json:"urls,omitempty"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

func (w *Webrtc) HasPortRange() bool { return w.IcePorts.Min > 0 && w.IcePorts.Max > 0 }
func (w *Webrtc) HasIceIpMap() bool  { return w.IceIpMap != "" }

func (i IceServer) IsTurn() bool {
	return strings.HasPrefix(i.Urls, "turn:") || strings.HasPrefix(i.Urls, "turns:")
}
