// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/ztpipe/ztpipe-go/pkg/zt/internal/frames"
)

// Virtual network MTU bounds.
const (
	// MinMTU is the smallest MTU a network may announce.
	MinMTU = 1280

	// DefaultMTU is assumed until the network's configuration arrives.
	DefaultMTU = 2800

	// MaxMTU is the largest frame the overlay will carry.
	MaxMTU = 10000

	// maxHeadroom leaves room for the overlay's own packet overhead on
	// top of the virtual MTU.
	maxHeadroom = 128

	// recvBufSize sizes the UDP receive buffers.
	recvBufSize = MaxMTU + maxHeadroom
)

// sendQueueLen bounds the asynchronous UDP send queue. Packets beyond it
// are dropped, keeping the wire send callback non-blocking.
const sendQueueLen = 128

// transportLk is the one lock serializing all access to the overlay
// instances and the transport's mutable state. The overlay library is not
// reentrant; its callbacks arrive while this lock is held and must not
// acquire it again.
var transportLk sync.Mutex

// nodes maps home directories to their shared Node.
var nodes = make(map[string]*Node)

// wirePacket is one queued outgoing UDP packet.
type wirePacket struct {
	remote *net.UDPAddr
	data   []byte
}

// Node wraps one overlay instance. Endpoints naming the same home
// directory share a Node; it lives for as long as any endpoint or pipe
// references it.
type Node struct {
	home    string
	overlay Overlay
	self    uint64

	udp4 *net.UDPConn
	udp6 *net.UDPConn

	refcnt int
	closed bool

	// ports holds each allocated 24 bit port's owner, an *Endpoint or
	// *Pipe. eps and pipes index the same objects by their full local
	// address, peers indexes pipes by their remote address.
	ports *registry
	eps   *registry
	pipes *registry
	peers *registry

	state *stateStore

	bgTime   int64
	bgWake   chan struct{}
	stopChan chan struct{}

	sendQueue chan wirePacket
	workers   sync.WaitGroup

	subscribers []chan Event
}

func nowMsec() int64 {
	return time.Now().UnixMilli()
}

// findNodeLocked returns the Node for a home directory, creating it on
// first use. The caller owns one reference on the returned Node.
func findNodeLocked(home string, factory OverlayFactory) (*Node, error) {
	if n, ok := nodes[home]; ok {
		if n.closed {
			return nil, ErrClosed
		}
		n.refcnt++
		return n, nil
	}

	if factory == nil {
		factory = DefaultOverlayFactory
	}
	if factory == nil {
		return nil, ErrNoOverlay
	}

	n, err := createNodeLocked(home, factory)
	if err != nil {
		return nil, err
	}

	n.refcnt = 1
	nodes[home] = n
	return n, nil
}

// createNodeLocked builds a fresh Node: UDP sockets, indexes, the overlay
// instance, and the background workers.
func createNodeLocked(home string, factory OverlayFactory) (*Node, error) {
	n := &Node{
		home:      home,
		state:     newStateStore(home),
		bgWake:    make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		sendQueue: make(chan wirePacket, sendQueueLen),
	}

	// Either family may be unavailable; only both failing is fatal.
	var udpErr error
	if udp4, err := net.ListenUDP("udp4", &net.UDPAddr{}); err != nil {
		udpErr = multierror.Append(udpErr, err)
	} else {
		n.udp4 = udp4
	}
	if udp6, err := net.ListenUDP("udp6", &net.UDPAddr{}); err != nil {
		udpErr = multierror.Append(udpErr, err)
	} else {
		n.udp6 = udp6
	}
	if n.udp4 == nil && n.udp6 == nil {
		return nil, udpErr
	}

	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		n.closeSockets()
		return nil, err
	}
	ephemeralSpan := uint64(MaxPort - EphemeralPort)
	ephemeralSeed := uint64(EphemeralPort) + binary.BigEndian.Uint64(seed[:])%ephemeralSpan

	n.ports = newRegistry(uint64(EphemeralPort), uint64(MaxPort), ephemeralSeed)
	n.eps = newRegistry(0, 0, 0)
	n.pipes = newRegistry(0, 0, 0)
	n.peers = newRegistry(0, 0, 0)

	overlay, err := factory(home, Callbacks{
		WirePacketSend:       n.wirePacketSend,
		VirtualNetworkFrame:  n.virtualNetworkFrame,
		VirtualNetworkConfig: n.virtualNetworkConfig,
		StatePut:             n.statePut,
		StateGet:             n.stateGet,
		Event:                n.overlayEvent,
	}, nowMsec())
	if err != nil {
		n.closeSockets()
		return nil, err
	}

	n.overlay = overlay
	n.self = overlay.Address()

	n.workers.Add(2)
	go n.backgroundWorker()
	go n.sendWorker()

	for _, conn := range []*net.UDPConn{n.udp4, n.udp6} {
		if conn != nil {
			n.workers.Add(1)
			go n.recvLoop(conn)
		}
	}

	// Kick off an initial background run.
	n.reschedLocked(1)

	log.WithFields(log.Fields{
		"home": home,
		"node": n.self,
	}).Info("Created transport node")

	return n, nil
}

// Self returns the node's 40 bit identity.
func (n *Node) Self() uint64 {
	return n.self
}

// Home returns the node's home directory.
func (n *Node) Home() string {
	return n.home
}

// LocalUDPAddrs returns the bound UDP addresses, one per open family.
func (n *Node) LocalUDPAddrs() []*net.UDPAddr {
	var addrs []*net.UDPAddr
	for _, conn := range []*net.UDPConn{n.udp4, n.udp6} {
		if conn != nil {
			addrs = append(addrs, conn.LocalAddr().(*net.UDPAddr))
		}
	}
	return addrs
}

// releaseLocked drops one reference. It reports whether this was the last
// one, in which case the Node is detached and the caller must complete the
// shutdown by calling destroy once the transport lock is released.
func (n *Node) releaseLocked() bool {
	n.refcnt--
	if n.refcnt > 0 {
		return false
	}

	n.shutdownLocked()
	return true
}

// shutdownLocked marks the node closed and detaches it from the registry.
func (n *Node) shutdownLocked() {
	if n.closed {
		return
	}
	n.closed = true

	delete(nodes, n.home)
	close(n.stopChan)
	n.closeSockets()

	for _, sub := range n.subscribers {
		close(sub)
	}
	n.subscribers = nil
}

// destroy completes a shutdown: it stops the workers and closes the
// overlay. Must be called without the transport lock held.
func (n *Node) destroy() {
	n.closeSockets()
	n.workers.Wait()

	transportLk.Lock()
	if err := n.overlay.Close(); err != nil {
		log.WithFields(log.Fields{
			"home":  n.home,
			"error": err,
		}).Warn("Closing overlay errored")
	}
	transportLk.Unlock()

	log.WithFields(log.Fields{
		"home": n.home,
		"node": n.self,
	}).Info("Destroyed transport node")
}

func (n *Node) closeSockets() {
	for _, conn := range []*net.UDPConn{n.udp4, n.udp6} {
		if conn != nil {
			_ = conn.Close()
		}
	}
}

// fatalLocked poisons the node after a fatal overlay error: every pending
// operation fails with ErrInternal and the node stops processing. The
// final reference release still performs the destruction.
func (n *Node) fatalLocked(cause error) {
	log.WithFields(log.Fields{
		"home":  n.home,
		"error": cause,
	}).Error("Fatal overlay error, closing node")

	for _, value := range n.eps.entries {
		ep := value.(*Endpoint)
		ep.closed = true
		ep.failConnectAiosLocked(ErrInternal)
		for _, aio := range ep.acceptAios {
			aio.finishLocked(ErrInternal)
		}
		ep.acceptAios = nil
	}

	for _, value := range n.pipes.entries {
		p := value.(*Pipe)
		p.closed = true
		if p.pendingRead != nil {
			p.pendingRead.finishLocked(ErrInternal)
			p.pendingRead = nil
		}
	}

	n.shutdownLocked()
}

// backgroundWorker runs the overlay's periodic housekeeping whenever its
// deadline passes, sleeping until the deadline, a reschedule or the
// shutdown.
func (n *Node) backgroundWorker() {
	defer n.workers.Done()

	for {
		transportLk.Lock()
		if n.closed {
			transportLk.Unlock()
			return
		}

		now := nowMsec()
		if now >= n.bgTime {
			next, err := n.overlay.ProcessBackgroundTasks(now)
			if err != nil {
				var fatal *FatalOverlayError
				if errors.As(err, &fatal) {
					n.fatalLocked(err)
					transportLk.Unlock()
					return
				}

				log.WithFields(log.Fields{
					"home":  n.home,
					"error": err,
				}).Warn("Overlay background tasks errored")
				next = now + 1000
			}
			n.bgTime = next
		}

		wait := time.Duration(n.bgTime-now) * time.Millisecond
		if wait <= 0 {
			wait = time.Millisecond
		}
		transportLk.Unlock()

		select {
		case <-n.stopChan:
			return
		case <-n.bgWake:
		case <-time.After(wait):
		}
	}
}

// reschedLocked adopts the overlay's desired next background run and wakes
// the worker.
func (n *Node) reschedLocked(nextMsec int64) {
	if nextMsec <= 0 {
		return
	}

	n.bgTime = nextMsec
	select {
	case n.bgWake <- struct{}{}:
	default:
	}
}

// recvLoop keeps one receive outstanding on a UDP socket and feeds every
// packet into the overlay. It ends when the socket is closed.
func (n *Node) recvLoop(conn *net.UDPConn) {
	defer n.workers.Done()

	buf := make([]byte, recvBufSize)
	for {
		length, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		pkt := make([]byte, length)
		copy(pkt, buf[:length])

		transportLk.Lock()
		if n.closed {
			transportLk.Unlock()
			return
		}

		next, procErr := n.overlay.ProcessWirePacket(remote, pkt, nowMsec())
		if procErr != nil {
			var fatal *FatalOverlayError
			if errors.As(procErr, &fatal) {
				n.fatalLocked(procErr)
				transportLk.Unlock()
				return
			}

			log.WithFields(log.Fields{
				"home":   n.home,
				"remote": remote,
				"error":  procErr,
			}).Debug("Overlay rejected wire packet")
		} else {
			n.reschedLocked(next)
		}
		transportLk.Unlock()
	}
}

// sendWorker drains the asynchronous UDP send queue.
func (n *Node) sendWorker() {
	defer n.workers.Done()

	for {
		select {
		case <-n.stopChan:
			return

		case pkt := <-n.sendQueue:
			conn := n.udp4
			if pkt.remote.IP.To4() == nil {
				conn = n.udp6
			}
			if conn == nil {
				continue
			}

			if _, err := conn.WriteToUDP(pkt.data, pkt.remote); err != nil {
				log.WithFields(log.Fields{
					"home":   n.home,
					"remote": pkt.remote,
					"error":  err,
				}).Debug("UDP send errored")
			}
		}
	}
}

// wirePacketSend queues one UDP packet for asynchronous transmission.
// Best-effort: a full queue drops the packet.
func (n *Node) wirePacketSend(remote *net.UDPAddr, data []byte) {
	if n.closed {
		return
	}

	pkt := wirePacket{
		remote: remote,
		data:   append([]byte(nil), data...),
	}

	select {
	case n.sendQueue <- pkt:
	default:
	}
}

// virtualNetworkFrame is the demultiplexer for frames arriving on the
// virtual network: parse, derive the addresses from the MACs and the
// ports, and route to a pipe, an endpoint, or an error reply.
func (n *Node) virtualNetworkFrame(nwid, srcMAC, dstMAC uint64, etherType uint16, data []byte) {
	if etherType != frames.EtherType {
		return
	}

	f, err := frames.Decode(data)
	if err != nil {
		// If the header itself parses, the sender is identifiable and
		// gets a PROTO error; otherwise the frame is dropped silently.
		var h frames.Header
		if hdrErr := h.Unmarshal(bytes.NewReader(data)); hdrErr == nil {
			laddr := MkAddress(MACToNode(dstMAC, nwid), h.DstPort)
			raddr := MkAddress(MACToNode(srcMAC, nwid), h.SrcPort)
			n.sendErrorLocked(nwid, laddr, raddr, frames.CodeProto, err.Error())
		}

		log.WithFields(log.Fields{
			"home":  n.home,
			"error": err,
		}).Debug("Dropping undecodable frame")
		return
	}

	h := f.FrameHeader()
	laddr := MkAddress(MACToNode(dstMAC, nwid), h.DstPort)
	raddr := MkAddress(MACToNode(srcMAC, nwid), h.SrcPort)

	if value, ok := n.pipes.Find(uint64(laddr)); ok {
		p := value.(*Pipe)

		if p.raddr == 0 {
			p.raddr = raddr
			_ = n.peers.Insert(uint64(raddr), p)
		}
		if p.raddr == raddr {
			p.handleFrameLocked(f)
			return
		}
		// Fall through: the address belongs to someone else's peer.
	}

	if value, ok := n.eps.Find(uint64(laddr)); ok {
		value.(*Endpoint).handleFrameLocked(raddr, f)
		return
	}

	switch f.(type) {
	case *frames.ConnReq:
		n.sendErrorLocked(nwid, laddr, raddr, frames.CodeRefused, "connection refused")
	case *frames.DataFrame, *frames.PingReq, *frames.ConnAck:
		n.sendErrorLocked(nwid, laddr, raddr, frames.CodeNotConn, "no such connection")
	default:
		// DISC_REQ, PING_ACK and ERROR for unknown addresses are dropped.
	}
}

// virtualNetworkConfig adopts MTU changes and nudges waiting dialers.
func (n *Node) virtualNetworkConfig(nwid uint64, op ConfigOperation, config *NetworkConfig) {
	switch op {
	case ConfigUp, ConfigUpdate:
		if config == nil {
			return
		}
		for _, value := range n.eps.entries {
			ep := value.(*Endpoint)
			if ep.url.NWID == nwid {
				ep.configUpdateLocked(config)
			}
		}
	default:
	}
}

func (n *Node) statePut(objType StateObjectType, data []byte) {
	n.state.Put(objType, data)
}

func (n *Node) stateGet(objType StateObjectType) []byte {
	return n.state.Get(objType)
}

// overlayEvent republishes an overlay event. Informational only; no state
// changes happen here.
func (n *Node) overlayEvent(event EventType) {
	var kind EventKind
	switch event {
	case EventUp:
		kind = EventNodeUp
	case EventOnline:
		kind = EventNodeOnline
	case EventOffline:
		kind = EventNodeOffline
	case EventDown:
		kind = EventNodeDown
	default:
		return
	}

	n.publishLocked(Event{Kind: kind})
}

// sendFrameLocked emits one frame on the virtual network, best-effort.
func (n *Node) sendFrameLocked(nwid uint64, laddr, raddr Address, f frames.Frame) {
	if n.closed {
		return
	}

	data, err := frames.Encode(f)
	if err != nil {
		log.WithFields(log.Fields{
			"home":  n.home,
			"frame": f,
			"error": err,
		}).Warn("Encoding frame errored")
		return
	}

	srcMAC := NodeToMAC(laddr.Node(), nwid)
	dstMAC := NodeToMAC(raddr.Node(), nwid)

	next, sendErr := n.overlay.ProcessVirtualNetworkFrame(nwid, srcMAC, dstMAC, frames.EtherType, data, nowMsec())
	if sendErr != nil {
		var fatal *FatalOverlayError
		if errors.As(sendErr, &fatal) {
			n.fatalLocked(sendErr)
			return
		}

		log.WithFields(log.Fields{
			"home":  n.home,
			"raddr": raddr,
			"error": sendErr,
		}).Debug("Overlay dropped outgoing frame")
		return
	}

	n.reschedLocked(next)
}

// sendErrorLocked answers a frame's sender with an ERROR frame.
func (n *Node) sendErrorLocked(nwid uint64, laddr, raddr Address, code frames.ErrorCode, reason string) {
	n.sendFrameLocked(nwid, laddr, raddr, frames.NewErrorFrame(raddr.Port(), laddr.Port(), code, reason))
}
