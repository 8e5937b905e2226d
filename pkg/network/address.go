package network

import (
	"net"
	"strconv"
)

// Address is a host:port network address, both parts are optional.
type Address string

// SplitHostPort returns the host and the port number, 0 if there is no port.
func (a Address) SplitHostPort() (string, int) {
	host, port, err := net.SplitHostPort(string(a))
	if err != nil {
		return string(a), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
