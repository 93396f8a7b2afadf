// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ztpipe/ztpipe-go/pkg/zt/internal/frames"
)

// Mode separates the two endpoint variants.
type Mode int

const (
	// DialMode endpoints initiate a connection to a remote listener.
	DialMode Mode = iota
	// ListenMode endpoints accept incoming connection requests.
	ListenMode
)

// Connection establishment tunables. Declared as variables so tests can
// shrink the timing; the defaults are the protocol's.
var (
	// ConnInterval is the delay between two connection attempts.
	ConnInterval = 5 * time.Second

	// ConnAttempts is how often a CONN_REQ is sent before giving up.
	ConnAttempts = 12
)

const (
	// listenQ bounds a listener's backlog of unaccepted requests.
	listenQ = 128

	// listenExpire is how long an unaccepted request stays in the backlog.
	listenExpire = 60 * time.Second
)

// connRequest is a listener-side record of an accepted-but-not-yet-paired
// connection request.
type connRequest struct {
	expiry time.Time
	raddr  Address
	proto  uint16
}

// Endpoint is one user-created transport endpoint, either a dialer or a
// listener. An endpoint is registered under its local address in its node
// for as long as it is open; a successful dial hands that address over to
// the created pipe and leaves the endpoint unbound.
type Endpoint struct {
	mode    Mode
	url     URL
	home    string
	proto   uint16
	recvMax uint64
	factory OverlayFactory

	node   *Node
	laddr  Address
	raddr  Address
	maxMTU int
	phyMTU int
	closed bool

	// Dialer state.
	try       int
	connTimer *time.Timer
	connAios  []*Aio

	// Listener state.
	backlog    [listenQ]connRequest
	creqHead   int
	creqTail   int
	acceptAios []*Aio
}

// NewDialer creates an endpoint dialing the URL's node and port for the
// given SP protocol number. The URL must name a concrete remote node and a
// non-zero port.
func NewDialer(rawurl string, proto uint16) (*Endpoint, error) {
	u, err := ParseURL(rawurl)
	if err != nil {
		return nil, err
	}
	if u.Wildcard || u.Port == 0 {
		return nil, ErrAddrInvalid
	}

	return &Endpoint{
		mode:   DialMode,
		url:    u,
		proto:  proto,
		maxMTU: DefaultMTU,
		phyMTU: MinMTU,
	}, nil
}

// NewListener creates an endpoint listening on the URL's port. Port zero
// requests an ephemeral port, assigned at Bind.
func NewListener(rawurl string, proto uint16) (*Endpoint, error) {
	u, err := ParseURL(rawurl)
	if err != nil {
		return nil, err
	}

	return &Endpoint{
		mode:   ListenMode,
		url:    u,
		proto:  proto,
		maxMTU: DefaultMTU,
		phyMTU: MinMTU,
	}, nil
}

// SetOverlayFactory overrides DefaultOverlayFactory for the node this
// endpoint attaches to. Only effective before Bind or Connect.
func (ep *Endpoint) SetOverlayFactory(factory OverlayFactory) {
	transportLk.Lock()
	defer transportLk.Unlock()
	ep.factory = factory
}

// Mode returns the endpoint's variant.
func (ep *Endpoint) Mode() Mode {
	return ep.mode
}

// Node returns the node this endpoint attached to, or nil before Bind or
// Connect.
func (ep *Endpoint) Node() *Node {
	transportLk.Lock()
	defer transportLk.Unlock()
	return ep.node
}

// LocalAddress returns the bound address, or zero while unbound.
func (ep *Endpoint) LocalAddress() Address {
	transportLk.Lock()
	defer transportLk.Unlock()
	return ep.laddr
}

// attachLocked acquires the endpoint's node and joins its network.
func (ep *Endpoint) attachLocked() error {
	if ep.node != nil {
		return nil
	}

	node, err := findNodeLocked(ep.home, ep.factory)
	if err != nil {
		return err
	}
	ep.node = node

	if err := node.overlay.Join(ep.url.NWID); err != nil {
		if node.releaseLocked() {
			go node.destroy()
		}
		ep.node = nil
		return err
	}

	if config, ok := node.overlay.NetworkConfig(ep.url.NWID); ok {
		ep.maxMTU = config.MTU
		ep.phyMTU = config.PhysicalMTU
	}

	return nil
}

// Bind acquires the listener's port and registers it in the node.
func (ep *Endpoint) Bind() error {
	transportLk.Lock()
	defer transportLk.Unlock()

	if ep.mode != ListenMode {
		return ErrNotSupported
	}
	if ep.closed {
		return ErrClosed
	}
	if ep.laddr != 0 {
		return ErrAddrInUse
	}

	if err := ep.attachLocked(); err != nil {
		return err
	}

	node := ep.node

	port := uint64(ep.url.Port)
	if port == 0 {
		ephemeral, err := node.ports.Allocate(ep)
		if err != nil {
			return err
		}
		port = ephemeral
	} else if err := node.ports.Insert(port, ep); err != nil {
		return err
	}

	ep.laddr = MkAddress(node.self, uint32(port))
	if err := node.eps.Insert(uint64(ep.laddr), ep); err != nil {
		node.ports.Remove(port)
		ep.laddr = 0
		return err
	}

	log.WithFields(log.Fields{
		"laddr": ep.laddr,
		"nwid":  ep.url.NWID,
	}).Debug("Listener bound")

	node.publishLocked(Event{Kind: EventListenerBound, Local: ep.laddr})

	return nil
}

// Accept posts an accept for the next incoming connection. Completion
// yields a fresh Pipe on the Aio.
func (ep *Endpoint) Accept(aio *Aio) {
	transportLk.Lock()
	defer transportLk.Unlock()

	if ep.mode != ListenMode || ep.laddr == 0 {
		aio.finishLocked(ErrNotSupported)
		return
	}
	if ep.closed {
		aio.finishLocked(ErrClosed)
		return
	}

	ep.acceptAios = append(ep.acceptAios, aio)
	aio.parkLocked(func(error) {
		ep.acceptAios = aioListRemove(ep.acceptAios, aio)
	})

	ep.drainBacklogLocked()
}

// Connect binds an ephemeral port if needed, joins the network and starts
// the CONN_REQ retry schedule. Completion yields the established Pipe.
func (ep *Endpoint) Connect(aio *Aio) {
	transportLk.Lock()
	defer transportLk.Unlock()

	if ep.mode != DialMode {
		aio.finishLocked(ErrNotSupported)
		return
	}
	if ep.closed {
		aio.finishLocked(ErrClosed)
		return
	}
	if len(ep.connAios) > 0 {
		aio.finishLocked(ErrAddrInUse)
		return
	}

	if err := ep.attachLocked(); err != nil {
		aio.finishLocked(err)
		return
	}

	node := ep.node

	if ep.laddr == 0 {
		port, err := node.ports.Allocate(ep)
		if err != nil {
			aio.finishLocked(err)
			return
		}

		ep.laddr = MkAddress(node.self, uint32(port))
		if err := node.eps.Insert(uint64(ep.laddr), ep); err != nil {
			node.ports.Remove(port)
			ep.laddr = 0
			aio.finishLocked(err)
			return
		}
	}

	ep.raddr = MkAddress(ep.url.Node, ep.url.Port)

	ep.connAios = append(ep.connAios, aio)
	aio.parkLocked(func(error) {
		ep.connAios = aioListRemove(ep.connAios, aio)
		if len(ep.connAios) == 0 {
			ep.stopConnTimerLocked()
		}
	})

	ep.try = 1
	ep.connTimer = time.AfterFunc(ConnInterval, ep.connTimerExpired)
	ep.sendConnReqLocked()
}

// connTimerExpired resends the CONN_REQ or finally fails the connect.
func (ep *Endpoint) connTimerExpired() {
	transportLk.Lock()
	defer transportLk.Unlock()

	if ep.closed || len(ep.connAios) == 0 || ep.try == 0 {
		return
	}

	if ep.try < ConnAttempts {
		ep.try++
		ep.connTimer = time.AfterFunc(ConnInterval, ep.connTimerExpired)
		ep.sendConnReqLocked()
		return
	}

	log.WithFields(log.Fields{
		"laddr":    ep.laddr,
		"raddr":    ep.raddr,
		"attempts": ep.try,
	}).Info("Connect gave up after its final attempt")

	ep.try = 0
	ep.failConnectAiosLocked(ErrTimedOut)
}

func (ep *Endpoint) sendConnReqLocked() {
	ep.node.sendFrameLocked(ep.url.NWID, ep.laddr, ep.raddr,
		frames.NewConnReq(ep.raddr.Port(), ep.laddr.Port(), ep.proto))
}

func (ep *Endpoint) stopConnTimerLocked() {
	if ep.connTimer != nil {
		ep.connTimer.Stop()
		ep.connTimer = nil
	}
	ep.try = 0
}

func (ep *Endpoint) failConnectAiosLocked(err error) {
	ep.stopConnTimerLocked()
	for _, aio := range ep.connAios {
		aio.finishLocked(err)
	}
	ep.connAios = nil
}

// handleFrameLocked dispatches a frame addressed to the endpoint's port.
func (ep *Endpoint) handleFrameLocked(raddr Address, f frames.Frame) {
	switch ep.mode {
	case DialMode:
		ep.handleDialFrameLocked(raddr, f)
	case ListenMode:
		ep.handleListenFrameLocked(raddr, f)
	}
}

func (ep *Endpoint) handleDialFrameLocked(raddr Address, f frames.Frame) {
	switch frame := f.(type) {
	case *frames.ConnAck:
		ep.handleConnAckLocked(raddr, frame)

	case *frames.ErrorFrame:
		log.WithFields(log.Fields{
			"laddr":  ep.laddr,
			"raddr":  raddr,
			"code":   frame.Code,
			"reason": frame.Reason,
		}).Info("Dialer received ERROR frame")

		ep.failConnectAiosLocked((&TransportError{Code: frame.Code, Reason: frame.Reason}).Unwrap())

	default:
		log.WithFields(log.Fields{
			"laddr": ep.laddr,
			"frame": f,
		}).Debug("Dialer dropping unexpected frame")
	}
}

// handleConnAckLocked establishes the dialer's pipe. The acknowledgement
// may come from a different port than the dialed one, as the listener
// allocates each pipe its own; the acking address becomes the peer.
func (ep *Endpoint) handleConnAckLocked(raddr Address, ack *frames.ConnAck) {
	if ep.try == 0 || len(ep.connAios) == 0 {
		// Duplicate acknowledgement of an already established connect.
		return
	}

	node := ep.node

	p, err := newPipeLocked(node, ep.url.NWID, ep.laddr, raddr, ep.proto, ack.Protocol, ep.maxMTU, ep.recvMax)
	if err != nil {
		log.WithFields(log.Fields{
			"laddr": ep.laddr,
			"raddr": raddr,
			"error": err,
		}).Warn("Creating dialer pipe errored")
		return
	}

	// The pipe owns the address now; the endpoint detaches from it.
	node.eps.Remove(uint64(ep.laddr))
	node.ports.Replace(uint64(ep.laddr.Port()), p)
	ep.laddr = 0

	aio := ep.connAios[0]
	ep.connAios = ep.connAios[1:]
	ep.stopConnTimerLocked()

	aio.finishPipeLocked(p)
}

func (ep *Endpoint) handleListenFrameLocked(raddr Address, f frames.Frame) {
	switch frame := f.(type) {
	case *frames.ConnReq:
		ep.handleConnReqLocked(raddr, frame)

	case *frames.ErrorFrame:
		log.WithFields(log.Fields{
			"laddr":  ep.laddr,
			"raddr":  raddr,
			"code":   frame.Code,
			"reason": frame.Reason,
		}).Info("Listener received ERROR frame")

	default:
		log.WithFields(log.Fields{
			"laddr": ep.laddr,
			"frame": f,
		}).Debug("Listener dropping unexpected frame")
	}
}

// handleConnReqLocked enqueues a connection request. A request from a peer
// that already established a pipe is acknowledged again without creating
// anything; a request already sitting in the backlog is ignored; a full
// backlog drops the request silently.
func (ep *Endpoint) handleConnReqLocked(raddr Address, req *frames.ConnReq) {
	node := ep.node

	if existing, ok := node.peers.Find(uint64(raddr)); ok {
		p := existing.(*Pipe)
		node.sendFrameLocked(ep.url.NWID, p.laddr, p.raddr,
			frames.NewConnAck(p.raddr.Port(), p.laddr.Port(), p.proto))
		return
	}

	for i := ep.creqTail; i != ep.creqHead; i = (i + 1) % listenQ {
		if ep.backlog[i].raddr == raddr {
			return
		}
	}

	if (ep.creqHead+1)%listenQ == ep.creqTail {
		log.WithFields(log.Fields{
			"laddr": ep.laddr,
			"raddr": raddr,
		}).Debug("Listener backlog is full, dropping CONN_REQ")
		return
	}

	ep.backlog[ep.creqHead] = connRequest{
		expiry: time.Now().Add(listenExpire),
		raddr:  raddr,
		proto:  req.Protocol,
	}
	ep.creqHead = (ep.creqHead + 1) % listenQ

	ep.drainBacklogLocked()
}

// drainBacklogLocked pairs waiting accepts with backlog entries. Expired
// entries are discarded on the way.
func (ep *Endpoint) drainBacklogLocked() {
	now := time.Now()
	node := ep.node

	for len(ep.acceptAios) > 0 && ep.creqTail != ep.creqHead {
		entry := ep.backlog[ep.creqTail]
		ep.creqTail = (ep.creqTail + 1) % listenQ

		if entry.expiry.Before(now) {
			continue
		}

		port, err := node.ports.Allocate(nil)
		if err != nil {
			log.WithFields(log.Fields{
				"laddr": ep.laddr,
				"error": err,
			}).Warn("Allocating a pipe port errored, dropping CONN_REQ")
			continue
		}

		laddr := MkAddress(node.self, uint32(port))
		p, pipeErr := newPipeLocked(node, ep.url.NWID, laddr, entry.raddr, ep.proto, entry.proto, ep.maxMTU, ep.recvMax)
		if pipeErr != nil {
			node.ports.Remove(port)
			log.WithFields(log.Fields{
				"laddr": ep.laddr,
				"raddr": entry.raddr,
				"error": pipeErr,
			}).Warn("Creating listener pipe errored, dropping CONN_REQ")
			continue
		}
		node.ports.Replace(port, p)

		node.sendFrameLocked(ep.url.NWID, laddr, entry.raddr,
			frames.NewConnAck(entry.raddr.Port(), uint32(port), ep.proto))

		aio := ep.acceptAios[0]
		ep.acceptAios = ep.acceptAios[1:]
		aio.finishPipeLocked(p)
	}
}

// configUpdateLocked applies a network configuration change.
func (ep *Endpoint) configUpdateLocked(config *NetworkConfig) {
	ep.maxMTU = config.MTU
	ep.phyMTU = config.PhysicalMTU

	// A dialer stuck waiting for the network to come up retries at once.
	if ep.mode == DialMode && len(ep.connAios) > 0 && ep.try > 0 {
		ep.sendConnReqLocked()
	}
}

// Close shuts the endpoint down, failing all waiting operations with
// ErrClosed and releasing its node.
func (ep *Endpoint) Close() error {
	transportLk.Lock()

	if ep.closed {
		transportLk.Unlock()
		return nil
	}
	ep.closed = true

	ep.failConnectAiosLocked(ErrClosed)
	for _, aio := range ep.acceptAios {
		aio.finishLocked(ErrClosed)
	}
	ep.acceptAios = nil

	node := ep.node
	if node != nil && ep.laddr != 0 {
		node.ports.Remove(uint64(ep.laddr.Port()))
		node.eps.Remove(uint64(ep.laddr))
		ep.laddr = 0
	}

	destroy := false
	if node != nil {
		destroy = node.releaseLocked()
		ep.node = nil
	}
	transportLk.Unlock()

	if destroy {
		node.destroy()
	}
	return nil
}
