package api

import "github.com/rs/xid"

// NewId makes a new node id.
func NewId() string { return xid.New().String() }

// Short cuts an id for logs.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:3] + "." + id[len(id)-3:]
}
