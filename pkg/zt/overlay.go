// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import (
	"fmt"
	"net"
)

// Overlay is the virtual L2 library a Node drives. It owns node identity,
// network membership, encryption and path selection; the transport only
// feeds it UDP packets and outgoing virtual frames and services the
// Callbacks it was created with.
//
// An Overlay implementation is not expected to be reentrant. The Node calls
// into it with the transport lock held, and every callback is invoked while
// that lock is still held. Implementations deferring work to their own
// goroutines must funnel resulting callbacks through one of the Process
// methods instead of invoking them directly.
type Overlay interface {
	// Address returns the 40 bit id of this node's identity.
	Address() uint64

	// Join makes the node a member of the given network.
	Join(nwid uint64) error

	// Leave gives up membership of the given network.
	Leave(nwid uint64) error

	// NetworkConfig returns the current configuration of a joined network.
	NetworkConfig(nwid uint64) (*NetworkConfig, bool)

	// ProcessWirePacket feeds one received UDP packet into the overlay.
	// The returned deadline names the next desired background run in
	// milliseconds.
	ProcessWirePacket(from *net.UDPAddr, data []byte, nowMsec int64) (nextMsec int64, err error)

	// ProcessVirtualNetworkFrame sends one frame on the virtual network.
	ProcessVirtualNetworkFrame(nwid, srcMAC, dstMAC uint64, etherType uint16, data []byte, nowMsec int64) (nextMsec int64, err error)

	// ProcessBackgroundTasks runs the overlay's periodic housekeeping.
	ProcessBackgroundTasks(nowMsec int64) (nextMsec int64, err error)

	// Close shuts the overlay down.
	Close() error
}

// NetworkConfig is the subset of a network's configuration the transport
// consumes.
type NetworkConfig struct {
	NWID        uint64
	MAC         uint64
	MTU         int
	PhysicalMTU int
}

// ConfigOperation classifies a VirtualNetworkConfig callback.
type ConfigOperation int

const (
	ConfigUp ConfigOperation = iota
	ConfigUpdate
	ConfigDown
	ConfigDestroy
)

// StateObjectType enumerates the overlay's persistent objects.
type StateObjectType int

const (
	StateIdentityPublic StateObjectType = iota
	StateIdentitySecret
	StatePlanet
	StateMoon
	StatePeer
	StateNetworkConfig
)

// EventType classifies an Event callback. Events are informational only.
type EventType int

const (
	EventUp EventType = iota
	EventOnline
	EventOffline
	EventDown
	EventTrace
)

// Callbacks is the surface a Node provides to its Overlay. All callbacks
// arrive with the transport lock held.
type Callbacks struct {
	// WirePacketSend transmits a UDP packet, best-effort.
	WirePacketSend func(remote *net.UDPAddr, data []byte)

	// VirtualNetworkFrame delivers a decrypted frame from the virtual
	// network.
	VirtualNetworkFrame func(nwid, srcMAC, dstMAC uint64, etherType uint16, data []byte)

	// VirtualNetworkConfig reports network configuration changes.
	VirtualNetworkConfig func(nwid uint64, op ConfigOperation, config *NetworkConfig)

	// StatePut persists an overlay object; a nil data deletes it.
	StatePut func(objType StateObjectType, data []byte)

	// StateGet reads a persisted overlay object, or nil if absent.
	StateGet func(objType StateObjectType) []byte

	// Event reports an informational overlay event.
	Event func(event EventType)
}

// OverlayFactory creates the Overlay of a fresh Node. The home directory is
// where the overlay may persist state through the callbacks; an empty home
// means in-memory operation.
type OverlayFactory func(home string, cb Callbacks, nowMsec int64) (Overlay, error)

// DefaultOverlayFactory is used by Nodes whose endpoints carry no explicit
// factory. Programs bind it at startup, e.g. to the Factory method of a
// memoverlay Switch.
var DefaultOverlayFactory OverlayFactory

// FatalOverlayError marks an overlay error that poisons the whole Node.
// The Node fails pending operations with ErrInternal and shuts down.
type FatalOverlayError struct {
	Cause error
}

func (foe *FatalOverlayError) Error() string {
	return fmt.Sprintf("fatal overlay error: %v", foe.Cause)
}

func (foe *FatalOverlayError) Unwrap() error {
	return ErrInternal
}
