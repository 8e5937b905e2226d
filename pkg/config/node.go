package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

type NodeConfig struct {
	Node       Node
	Relay      Relay
	Session    Session
	Webrtc     Webrtc
	Monitoring Monitoring
}

type Node struct {
	// Id is the node identifier on the relay, random when empty.
	Id    string
	Role  string `default:"controller"`
	Debug bool
	// Json switches the console log into JSON lines.
	Json    bool
	NoColor bool
}

type Relay struct {
	Address  string `default:"localhost:8080"`
	Endpoint string `default:"/ws"`
	Secure   bool
	// ReconnectDelay is the fixed pause between relay connection attempts.
	ReconnectDelay time.Duration `default:"2s"`
	// Jitter adds up to the given fraction of the delay, [0, 1].
	Jitter    float64
	WriteWait time.Duration `default:"10s"`
	// PingInterval keeps the relay socket alive with WebSocket pings, 0 disables.
	PingInterval time.Duration `default:"50s"`
}

type Session struct {
	ChannelLabel string `default:"data"`
	// NegotiationTimeout fails sessions not connected in time, 0 disables.
	NegotiationTimeout time.Duration `default:"30s"`
	// PingInterval is how often connected peers are pinged, 0 disables.
	PingInterval time.Duration `default:"5s"`
	// IdleTimeout disconnects peers without any inbound message, 0 disables.
	IdleTimeout time.Duration
}

type Monitoring struct {
	Port             int
	URLPrefix        string
	MetricEnabled    bool `json:"metric_enabled"`
	ProfilingEnabled bool `json:"profiling_enabled"`
}

func (c *Monitoring) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

func NewConfig(path string) (conf NodeConfig, err error) {
	if err = LoadConfig(&conf, path); err != nil {
		return
	}
	conf.fixValues()
	return
}

// WithFlags updates config values from passed runtime flags.
// Define own flags with default value set to the current config param.
// Don't forget to call Parse on the set.
func (c *NodeConfig) WithFlags(fs *pflag.FlagSet) *NodeConfig {
	fs.StringP("conf", "c", "", "Set custom configuration file path")
	fs.StringVar(&c.Node.Id, "id", c.Node.Id, "Node id on the relay")
	fs.BoolVar(&c.Node.Debug, "debug", c.Node.Debug, "Verbose logs")
	fs.StringVar(&c.Relay.Address, "relay", c.Relay.Address, "Relay address (host:port)")
	fs.BoolVar(&c.Relay.Secure, "relay.secure", c.Relay.Secure, "Use wss for the relay")
	fs.DurationVar(&c.Session.NegotiationTimeout, "session.timeout", c.Session.NegotiationTimeout, "Peer negotiation deadline")
	fs.IntVar(&c.Monitoring.Port, "monitoring.port", c.Monitoring.Port, "Monitoring server port")
	return c
}

// fixValues tries to fix some values otherwise hard to set externally.
func (c *NodeConfig) fixValues() {
	if c.Relay.Jitter < 0 {
		c.Relay.Jitter = 0
	}
	if c.Relay.Jitter > 1 {
		c.Relay.Jitter = 1
	}
	// with ICE lite we clear ICE servers
	if c.Webrtc.IceLite {
		c.Webrtc.IceServers = []IceServer{}
	}
}

// URL returns the relay WebSocket address.
func (r *Relay) URL() url.URL {
	scheme := "ws"
	if r.Secure {
		scheme = "wss"
	}
	return url.URL{Scheme: scheme, Host: r.Address, Path: r.Endpoint}
}

func (n Node) String() string { return fmt.Sprintf("%s:%s", n.Role, n.Id) }
