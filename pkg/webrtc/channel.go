package webrtc

import "github.com/pion/webrtc/v4"

// Channel is a pion data channel carrying text messages.
type Channel struct {
	dc *webrtc.DataChannel
}

func newChannel(dc *webrtc.DataChannel) *Channel { return &Channel{dc: dc} }

func (c *Channel) Label() string { return c.dc.Label() }

func (c *Channel) Send(data []byte) error { return c.dc.SendText(string(data)) }

// OnOpen is called right away if the channel is open already.
func (c *Channel) OnOpen(fn func())          { c.dc.OnOpen(fn) }
func (c *Channel) OnClose(fn func())         { c.dc.OnClose(fn) }
func (c *Channel) OnError(fn func(err error)) { c.dc.OnError(fn) }

func (c *Channel) OnMessage(fn func(data []byte)) {
	c.dc.OnMessage(func(m webrtc.DataChannelMessage) {
		if len(m.Data) == 0 {
			return
		}
		fn(m.Data)
	})
}

func (c *Channel) Close() error { return c.dc.Close() }
