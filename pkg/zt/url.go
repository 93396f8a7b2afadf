// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import (
	"strconv"
	"strings"
)

// URL is a parsed transport address of the form
//
//	zt://<nwid_hex>/<node_hex>:<port_dec>
//	zt://<nwid_hex>/*:<port_dec>
//	zt://<nwid_hex>:<port_dec>
//
// The network id is up to 16 hex digits, the node id up to 10 hex digits.
// A missing node part and the "*" wildcard are equivalent; both leave the
// node id zero. Dialers require a concrete node id and a non-zero port;
// listeners accept port zero, requesting an ephemeral port.
type URL struct {
	NWID     uint64
	Node     uint64
	Port     uint32
	Wildcard bool
}

// Scheme is the URL scheme of this transport.
const Scheme = "zt"

// ParseURL parses a transport URL. Any deviation from the format above
// yields ErrAddrInvalid.
func ParseURL(rawurl string) (u URL, err error) {
	err = ErrAddrInvalid

	rest, ok := cutPrefix(rawurl, Scheme+"://")
	if !ok {
		return
	}

	// The port follows the last colon; hex digits never contain one.
	colon := strings.LastIndexByte(rest, ':')
	if colon < 0 {
		return
	}

	portStr := rest[colon+1:]
	if !validDigits(portStr, 10, 8) {
		return
	}
	port, portErr := strconv.ParseUint(portStr, 10, 32)
	if portErr != nil || port > uint64(MaxPort) {
		return
	}

	host := rest[:colon]
	nwidStr, nodeStr := host, ""
	if slash := strings.IndexByte(host, '/'); slash >= 0 {
		nwidStr = host[:slash]
		nodeStr = host[slash+1:]

		if nodeStr == "" {
			return
		}
	}

	if !validDigits(nwidStr, 16, 16) {
		return
	}
	nwid, nwidErr := strconv.ParseUint(nwidStr, 16, 64)
	if nwidErr != nil {
		return
	}

	var node uint64
	wildcard := nodeStr == "" || nodeStr == "*"
	if !wildcard {
		if !validDigits(nodeStr, 16, 10) {
			return
		}
		if node, err = strconv.ParseUint(nodeStr, 16, 64); err != nil {
			err = ErrAddrInvalid
			return
		}
	}

	u = URL{
		NWID:     nwid,
		Node:     node,
		Port:     uint32(port),
		Wildcard: wildcard,
	}
	err = nil
	return
}

// String renders the URL back into its textual form.
func (u URL) String() string {
	var sb strings.Builder
	sb.WriteString(Scheme + "://")
	sb.WriteString(strconv.FormatUint(u.NWID, 16))
	if u.Wildcard {
		sb.WriteString("/*")
	} else {
		sb.WriteByte('/')
		sb.WriteString(strconv.FormatUint(u.Node, 16))
	}
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatUint(uint64(u.Port), 10))
	return sb.String()
}

// validDigits checks that s consists of 1 to max digits of the given base.
func validDigits(s string, base, max int) bool {
	if len(s) == 0 || len(s) > max {
		return false
	}

	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case base == 16 && c >= 'a' && c <= 'f':
		case base == 16 && c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// cutPrefix is strings.CutPrefix, which is not yet available in this
// module's Go version.
func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
