// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package memoverlay provides an in-process implementation of the zt
// Overlay interface: a Switch connects the overlay instances of all nodes
// created from its Factory and delivers virtual network frames between
// them directly, without encryption or UDP.
//
// It serves as the transport's loopback backend for tests, demos and
// development setups where the real overlay library is unavailable. A
// configurable tap allows tests to drop, duplicate, reorder or inspect
// frames in flight.
package memoverlay

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ztpipe/ztpipe-go/pkg/zt"
)

// backgroundInterval is the housekeeping period announced to the node's
// scheduler. The switch has no real housekeeping; the interval merely
// keeps the background worker idle.
const backgroundInterval int64 = 60_000

// Frame is one virtual network frame in flight between two members.
type Frame struct {
	NWID      uint64
	SrcMAC    uint64
	DstMAC    uint64
	EtherType uint16
	Data      []byte
}

// Tap inspects every frame crossing the switch and returns the frames to
// deliver in its place: return nil to drop, the input to pass, several to
// duplicate or flush previously held ones in any order.
type Tap func(f Frame) []Frame

// Switch is the in-process L2 connecting all overlays created from its
// Factory.
type Switch struct {
	mu      sync.Mutex
	members map[uint64]*Overlay
	mtu     int
	tap     Tap
}

// NewSwitch creates an empty switch with the default network MTU.
func NewSwitch() *Switch {
	return &Switch{
		members: make(map[uint64]*Overlay),
		mtu:     zt.DefaultMTU,
	}
}

// SetMTU changes the MTU announced to members joining afterwards.
func (sw *Switch) SetMTU(mtu int) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.mtu = mtu
}

// SetTap installs or removes the frame tap.
func (sw *Switch) SetTap(tap Tap) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.tap = tap
}

// Factory creates a new Overlay wired to this switch. It satisfies
// zt.OverlayFactory.
func (sw *Switch) Factory(home string, cb zt.Callbacks, nowMsec int64) (zt.Overlay, error) {
	ov := &Overlay{
		sw:       sw,
		cb:       cb,
		networks: make(map[uint64]*zt.NetworkConfig),
	}

	if err := ov.loadIdentity(); err != nil {
		return nil, err
	}

	sw.mu.Lock()
	if _, taken := sw.members[ov.addr]; taken {
		sw.mu.Unlock()
		return nil, fmt.Errorf("node id %010x is already on the switch", ov.addr)
	}
	sw.members[ov.addr] = ov
	sw.mu.Unlock()

	if cb.Event != nil {
		cb.Event(zt.EventUp)
		cb.Event(zt.EventOnline)
	}

	log.WithFields(log.Fields{
		"node": fmt.Sprintf("%010x", ov.addr),
		"home": home,
	}).Debug("Switch registered new member")

	return ov, nil
}

// route hands a frame to its destination member, if it exists and joined
// the frame's network. Unknown destinations are dropped, like a real
// network would.
func (sw *Switch) route(f Frame) {
	sw.mu.Lock()
	out := []Frame{f}
	if sw.tap != nil {
		out = sw.tap(f)
	}

	type delivery struct {
		dst   *Overlay
		frame Frame
	}
	var deliveries []delivery

	for _, frame := range out {
		if dst, ok := sw.members[zt.MACToNode(frame.DstMAC, frame.NWID)]; ok {
			deliveries = append(deliveries, delivery{dst: dst, frame: frame})
		}
	}
	sw.mu.Unlock()

	// Deliver outside the switch lock: the receiver may synchronously
	// answer, recursing into route.
	for _, d := range deliveries {
		d.dst.receive(d.frame)
	}
}

// Overlay is one member of a Switch, implementing zt.Overlay.
type Overlay struct {
	sw       *Switch
	cb       zt.Callbacks
	addr     uint64
	networks map[uint64]*zt.NetworkConfig
	closed   bool
}

// loadIdentity restores the identity persisted through the state
// callbacks, or generates and persists a fresh one.
func (ov *Overlay) loadIdentity() error {
	if ov.cb.StateGet != nil {
		if data := ov.cb.StateGet(zt.StateIdentitySecret); data != nil {
			addr, err := parseIdentity(string(data))
			if err != nil {
				return err
			}
			ov.addr = addr
			return nil
		}
	}

	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return err
	}
	ov.addr = binary.BigEndian.Uint64(raw[:]) & 0xffffffffff
	if ov.addr == 0 {
		ov.addr = 1
	}

	var secret [16]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return err
	}

	if ov.cb.StatePut != nil {
		public := fmt.Sprintf("%010x", ov.addr)
		ov.cb.StatePut(zt.StateIdentityPublic, []byte(public))
		ov.cb.StatePut(zt.StateIdentitySecret, []byte(public+":"+hex.EncodeToString(secret[:])))
	}

	return nil
}

// parseIdentity extracts the node id from a persisted secret identity.
func parseIdentity(identity string) (uint64, error) {
	addrPart := identity
	if colon := strings.IndexByte(identity, ':'); colon >= 0 {
		addrPart = identity[:colon]
	}

	var addr uint64
	if _, err := fmt.Sscanf(addrPart, "%x", &addr); err != nil {
		return 0, fmt.Errorf("malformed identity %q: %w", identity, err)
	}
	if addr == 0 || addr > 0xffffffffff {
		return 0, fmt.Errorf("identity node id %x is out of range", addr)
	}
	return addr, nil
}

// Address returns the member's 40 bit node id.
func (ov *Overlay) Address() uint64 {
	return ov.addr
}

// Join makes the member part of a network and announces the network's
// configuration through the config callback.
func (ov *Overlay) Join(nwid uint64) error {
	if ov.closed {
		return zt.ErrClosed
	}

	if config, ok := ov.networks[nwid]; ok {
		if ov.cb.VirtualNetworkConfig != nil {
			ov.cb.VirtualNetworkConfig(nwid, zt.ConfigUpdate, config)
		}
		return nil
	}

	ov.sw.mu.Lock()
	mtu := ov.sw.mtu
	ov.sw.mu.Unlock()

	config := &zt.NetworkConfig{
		NWID:        nwid,
		MAC:         zt.NodeToMAC(ov.addr, nwid),
		MTU:         mtu,
		PhysicalMTU: 1500,
	}
	ov.networks[nwid] = config

	if ov.cb.VirtualNetworkConfig != nil {
		ov.cb.VirtualNetworkConfig(nwid, zt.ConfigUp, config)
	}

	return nil
}

// Leave drops the network membership.
func (ov *Overlay) Leave(nwid uint64) error {
	config, ok := ov.networks[nwid]
	if !ok {
		return zt.ErrAddrInvalid
	}
	delete(ov.networks, nwid)

	if ov.cb.VirtualNetworkConfig != nil {
		ov.cb.VirtualNetworkConfig(nwid, zt.ConfigDown, config)
	}
	return nil
}

// NetworkConfig returns a joined network's configuration.
func (ov *Overlay) NetworkConfig(nwid uint64) (*zt.NetworkConfig, bool) {
	config, ok := ov.networks[nwid]
	return config, ok
}

// ProcessVirtualNetworkFrame sends one frame into the switch.
func (ov *Overlay) ProcessVirtualNetworkFrame(nwid, srcMAC, dstMAC uint64, etherType uint16, data []byte, nowMsec int64) (int64, error) {
	if ov.closed {
		return 0, zt.ErrClosed
	}
	if _, ok := ov.networks[nwid]; !ok {
		return 0, zt.ErrAddrInvalid
	}

	ov.sw.route(Frame{
		NWID:      nwid,
		SrcMAC:    srcMAC,
		DstMAC:    dstMAC,
		EtherType: etherType,
		Data:      append([]byte(nil), data...),
	})

	return nowMsec + backgroundInterval, nil
}

// receive delivers a frame to this member's node, provided it joined the
// frame's network.
func (ov *Overlay) receive(f Frame) {
	if ov.closed {
		return
	}
	if _, ok := ov.networks[f.NWID]; !ok {
		return
	}
	if ov.cb.VirtualNetworkFrame != nil {
		ov.cb.VirtualNetworkFrame(f.NWID, f.SrcMAC, f.DstMAC, f.EtherType, f.Data)
	}
}

// ProcessWirePacket decodes one switch wire envelope received over UDP and
// delivers the contained frame locally. The envelope is what
// EncodeWirePacket produces; real deployments would carry the overlay's
// encrypted packets here instead.
func (ov *Overlay) ProcessWirePacket(from *net.UDPAddr, data []byte, nowMsec int64) (int64, error) {
	if ov.closed {
		return 0, zt.ErrClosed
	}

	f, err := DecodeWirePacket(data)
	if err != nil {
		return 0, err
	}

	ov.receive(f)
	return nowMsec + backgroundInterval, nil
}

// ProcessBackgroundTasks has nothing to do for an in-process switch.
func (ov *Overlay) ProcessBackgroundTasks(nowMsec int64) (int64, error) {
	if ov.closed {
		return 0, zt.ErrClosed
	}
	return nowMsec + backgroundInterval, nil
}

// Close removes the member from its switch.
func (ov *Overlay) Close() error {
	if ov.closed {
		return nil
	}
	ov.closed = true

	ov.sw.mu.Lock()
	delete(ov.sw.members, ov.addr)
	ov.sw.mu.Unlock()

	if ov.cb.Event != nil {
		ov.cb.Event(zt.EventDown)
	}
	return nil
}

// wireEnvelopeHead is the fixed part of a wire envelope: network id,
// source MAC, destination MAC and ethertype.
const wireEnvelopeHead = 8 + 8 + 8 + 2

// EncodeWirePacket serializes a frame into the switch's UDP envelope.
func EncodeWirePacket(f Frame) []byte {
	data := make([]byte, wireEnvelopeHead+len(f.Data))
	binary.BigEndian.PutUint64(data[0:8], f.NWID)
	binary.BigEndian.PutUint64(data[8:16], f.SrcMAC)
	binary.BigEndian.PutUint64(data[16:24], f.DstMAC)
	binary.BigEndian.PutUint16(data[24:26], f.EtherType)
	copy(data[wireEnvelopeHead:], f.Data)
	return data
}

// DecodeWirePacket parses the switch's UDP envelope.
func DecodeWirePacket(data []byte) (f Frame, err error) {
	if len(data) < wireEnvelopeHead {
		err = fmt.Errorf("wire envelope length %d is shorter than its head", len(data))
		return
	}

	f = Frame{
		NWID:      binary.BigEndian.Uint64(data[0:8]),
		SrcMAC:    binary.BigEndian.Uint64(data[8:16]),
		DstMAC:    binary.BigEndian.Uint64(data[16:24]),
		EtherType: binary.BigEndian.Uint16(data[24:26]),
		Data:      append([]byte(nil), data[wireEnvelopeHead:]...),
	}
	return
}
