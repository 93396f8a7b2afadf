// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package zt implements a connection-oriented message transport on top of
// a connectionless virtual L2 overlay network, which itself runs over UDP.
//
// The overlay library is external; this package drives it through the
// Overlay interface and services its Callbacks. On top of it, the package
// multiplexes many logical pipes over one node identity: 64 bit addresses
// combine the overlay's 40 bit node id with a 24 bit port, endpoints
// dial or listen on those addresses, and established pipes exchange whole
// messages, fragmented over the network's MTU and reassembled on arrival.
//
// Endpoints naming the same home directory share one overlay instance,
// wrapped in a reference-counted Node together with its UDP sockets and
// background scheduler.
package zt
