// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import "time"

// EventKind classifies an Event published by a Node.
type EventKind string

const (
	EventNodeUp        EventKind = "node-up"
	EventNodeOnline    EventKind = "node-online"
	EventNodeOffline   EventKind = "node-offline"
	EventNodeDown      EventKind = "node-down"
	EventListenerBound EventKind = "listener-bound"
	EventPipeOpened    EventKind = "pipe-opened"
	EventPipeClosed    EventKind = "pipe-closed"
)

// Event is an informational notification about a node's or pipe's
// lifecycle. Events never carry state a consumer must act on; missing one
// is harmless, and slow subscribers lose events rather than stalling the
// transport.
type Event struct {
	Time   time.Time `json:"time"`
	Node   uint64    `json:"node"`
	Kind   EventKind `json:"kind"`
	Local  Address   `json:"local,omitempty"`
	Remote Address   `json:"remote,omitempty"`
}

// Subscribe registers a buffered event channel on the node. The channel is
// closed when the node shuts down.
func (n *Node) Subscribe() <-chan Event {
	transportLk.Lock()
	defer transportLk.Unlock()

	sub := make(chan Event, 32)
	if n.closed {
		close(sub)
		return sub
	}

	n.subscribers = append(n.subscribers, sub)
	return sub
}

// publishLocked fans an event out to all subscribers, dropping it for
// those whose buffer is full.
func (n *Node) publishLocked(event Event) {
	if len(n.subscribers) == 0 {
		return
	}

	event.Time = time.Now()
	event.Node = n.self

	for _, sub := range n.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}
