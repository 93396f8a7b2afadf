// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

// Option names understood by Endpoint.SetOption and Endpoint.GetOption.
const (
	// OptHome is the directory the overlay may persist its identity and
	// planet in. An empty home keeps all state in memory. Settable only
	// before the endpoint attaches to its node.
	OptHome = "zt:home"

	// OptNWID is the endpoint's virtual network id. Read-only.
	OptNWID = "zt:nwid"

	// OptNode is the node id of the endpoint's own identity. Read-only;
	// available once the endpoint is bound or connecting.
	OptNode = "zt:node"

	// OptRecvMaxSize is the per-pipe ceiling for received messages in
	// bytes. Zero means unlimited.
	OptRecvMaxSize = "recv-max-size"
)

// maxHomeLen bounds the home path length.
const maxHomeLen = 4096

// maxRecvSize bounds the receive ceiling to 32 bits.
const maxRecvSize = 1<<32 - 1

// SetOption changes a named option. Unknown names yield ErrNotSupported,
// out-of-range values ErrInvalidArgument.
func (ep *Endpoint) SetOption(name string, value interface{}) error {
	transportLk.Lock()
	defer transportLk.Unlock()

	switch name {
	case OptHome:
		home, ok := value.(string)
		if !ok || len(home) >= maxHomeLen {
			return ErrInvalidArgument
		}
		if ep.node != nil {
			return ErrInvalidArgument
		}
		ep.home = home
		return nil

	case OptRecvMaxSize:
		size, ok := optSize(value)
		if !ok || size > maxRecvSize {
			return ErrInvalidArgument
		}
		ep.recvMax = size
		return nil

	case OptNWID, OptNode:
		return ErrInvalidArgument

	default:
		return ErrNotSupported
	}
}

// GetOption reads a named option.
func (ep *Endpoint) GetOption(name string) (interface{}, error) {
	transportLk.Lock()
	defer transportLk.Unlock()

	switch name {
	case OptHome:
		return ep.home, nil

	case OptNWID:
		return ep.url.NWID, nil

	case OptNode:
		if ep.node == nil {
			return nil, ErrInvalidArgument
		}
		return ep.node.self, nil

	case OptRecvMaxSize:
		return ep.recvMax, nil

	default:
		return nil, ErrNotSupported
	}
}

// optSize converts the numeric types accepted for size options.
func optSize(value interface{}) (uint64, bool) {
	switch v := value.(type) {
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	default:
		return 0, false
	}
}
