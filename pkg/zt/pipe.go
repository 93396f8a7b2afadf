// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package zt

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ztpipe/ztpipe-go/pkg/zt/internal/frames"
)

// Pipe is one established connection between two addresses on a virtual
// network. It carries whole messages, fragmenting them over the peer's MTU
// on send and reassembling incoming fragments; messages are delivered once
// complete, not necessarily in the order they were started. When several
// messages are complete before a read, the lowest reassembly slot goes
// first.
type Pipe struct {
	node *Node
	nwid uint64

	laddr Address
	raddr Address

	proto     uint16
	peerProto uint16
	peerMTU   int

	nextMsgID uint16
	closed    bool

	rq          fragQueue
	pendingRead *Aio

	pingInterval time.Duration
	pingMissLim  int
	pingMissed   int
	pingTimer    *time.Timer
}

// newPipeLocked wires a fresh pipe into the node's indexes. The local port
// must already be registered to this pipe in the node's port table.
func newPipeLocked(n *Node, nwid uint64, laddr, raddr Address, proto, peerProto uint16, peerMTU int, recvMax uint64) (*Pipe, error) {
	p := &Pipe{
		node:      n,
		nwid:      nwid,
		laddr:     laddr,
		raddr:     raddr,
		proto:     proto,
		peerProto: peerProto,
		peerMTU:   peerMTU,
		nextMsgID: 1,
		rq:        fragQueue{recvMax: recvMax},
	}

	if err := n.pipes.Insert(uint64(laddr), p); err != nil {
		return nil, err
	}
	if raddr != 0 {
		if err := n.peers.Insert(uint64(raddr), p); err != nil {
			n.pipes.Remove(uint64(laddr))
			return nil, err
		}
	}

	n.refcnt++

	n.publishLocked(Event{Kind: EventPipeOpened, Local: laddr, Remote: raddr})

	return p, nil
}

// LocalAddress returns the pipe's own address.
func (p *Pipe) LocalAddress() Address {
	transportLk.Lock()
	defer transportLk.Unlock()
	return p.laddr
}

// RemoteAddress returns the peer's address.
func (p *Pipe) RemoteAddress() Address {
	transportLk.Lock()
	defer transportLk.Unlock()
	return p.raddr
}

// NWID returns the virtual network the pipe lives on.
func (p *Pipe) NWID() uint64 {
	return p.nwid
}

// PeerProtocol returns the SP protocol number announced by the peer.
func (p *Pipe) PeerProtocol() uint16 {
	return p.peerProto
}

// Send transmits the concatenation of the given buffers as one message.
// The message is fragmented over the peer's MTU; completion is reported on
// the Aio after the last fragment was handed to the overlay, which is a
// best-effort send, not a delivery confirmation.
func (p *Pipe) Send(aio *Aio, buffers ...[]byte) {
	transportLk.Lock()
	defer transportLk.Unlock()

	if p.closed {
		aio.finishLocked(ErrClosed)
		return
	}

	fragSize := p.peerMTU - frames.DataHeaderSize
	if fragSize <= 0 {
		aio.finishLocked(ErrMsgSize)
		return
	}

	var total int
	for _, buf := range buffers {
		total += len(buf)
	}

	numFrags := (total + fragSize - 1) / fragSize
	if numFrags == 0 {
		numFrags = 1
	}
	if numFrags >= 0xFFFE {
		aio.finishLocked(ErrMsgSize)
		return
	}

	msg := make([]byte, 0, total)
	for _, buf := range buffers {
		msg = append(msg, buf...)
	}

	msgID := p.nextMsgID
	p.nextMsgID++
	if p.nextMsgID == 0 {
		p.nextMsgID = 1
	}

	for fragNo := 0; fragNo < numFrags; fragNo++ {
		frag := msg[fragNo*fragSize:]
		if len(frag) > fragSize {
			frag = frag[:fragSize]
		}

		df := frames.NewDataFrame(p.raddr.Port(), p.laddr.Port(),
			msgID, uint16(fragSize), uint16(fragNo), uint16(numFrags), frag)
		p.node.sendFrameLocked(p.nwid, p.laddr, p.raddr, df)
	}

	aio.finishLocked(nil)
}

// Recv posts a read for the next complete message. A pipe holds at most one
// pending read; a second Recv before the first finished is refused.
func (p *Pipe) Recv(aio *Aio) {
	transportLk.Lock()
	defer transportLk.Unlock()

	if p.closed {
		aio.finishLocked(ErrClosed)
		return
	}
	if p.pendingRead != nil {
		aio.finishLocked(ErrInvalidArgument)
		return
	}

	p.rq.gc(time.Now())
	if msg, ok := p.rq.takeReady(); ok {
		aio.finishMsgLocked(msg)
		return
	}

	p.pendingRead = aio
	aio.parkLocked(func(error) {
		p.pendingRead = nil
	})
}

// SetKeepalive arms the ping timer: every interval a PING_REQ probes the
// peer, and after missLimit unanswered pings the pipe is closed locally.
// The timer runs regardless of data traffic; only a PING_ACK resets the
// miss count. A zero interval disables the keepalive again.
func (p *Pipe) SetKeepalive(interval time.Duration, missLimit int) {
	transportLk.Lock()
	defer transportLk.Unlock()

	if p.pingTimer != nil {
		p.pingTimer.Stop()
		p.pingTimer = nil
	}
	if p.closed || interval == 0 {
		return
	}

	p.pingInterval = interval
	p.pingMissLim = missLimit
	p.pingMissed = 0
	p.pingTimer = time.AfterFunc(interval, p.pingExpired)
}

func (p *Pipe) pingExpired() {
	transportLk.Lock()
	defer transportLk.Unlock()

	if p.closed {
		return
	}

	p.pingMissed++
	if p.pingMissed > p.pingMissLim {
		log.WithFields(log.Fields{
			"pipe":   p.laddr,
			"missed": p.pingMissed,
		}).Info("Pipe's peer missed too many pings, closing")

		if node, destroy := p.closeLocked(false); destroy {
			go node.destroy()
		}
		return
	}

	p.node.sendFrameLocked(p.nwid, p.laddr, p.raddr,
		frames.NewPingReq(p.raddr.Port(), p.laddr.Port()))
	p.pingTimer = time.AfterFunc(p.pingInterval, p.pingExpired)
}

// Close shuts the pipe down, failing a pending read with ErrClosed and
// announcing the close to the peer with a best-effort DISC_REQ.
func (p *Pipe) Close() error {
	transportLk.Lock()
	node, destroy := p.closeLocked(true)
	transportLk.Unlock()

	if destroy {
		node.destroy()
	}
	return nil
}

// closeLocked tears the pipe down and detaches it from the node's indexes.
// It reports whether this was the node's last reference, in which case the
// caller must destroy the node after releasing the transport lock.
func (p *Pipe) closeLocked(sendDisc bool) (*Node, bool) {
	if p.closed {
		return p.node, false
	}
	p.closed = true

	if p.pingTimer != nil {
		p.pingTimer.Stop()
		p.pingTimer = nil
	}

	if sendDisc {
		p.node.sendFrameLocked(p.nwid, p.laddr, p.raddr,
			frames.NewDiscReq(p.raddr.Port(), p.laddr.Port()))
	}

	if p.pendingRead != nil {
		p.pendingRead.finishLocked(ErrClosed)
		p.pendingRead = nil
	}

	p.node.ports.Remove(uint64(p.laddr.Port()))
	p.node.pipes.Remove(uint64(p.laddr))
	if p.raddr != 0 {
		p.node.peers.Remove(uint64(p.raddr))
	}

	p.node.publishLocked(Event{Kind: EventPipeClosed, Local: p.laddr, Remote: p.raddr})

	return p.node, p.node.releaseLocked()
}

// handleFrameLocked dispatches one frame addressed to this pipe.
func (p *Pipe) handleFrameLocked(f frames.Frame) {
	switch frame := f.(type) {
	case *frames.DataFrame:
		if code, reason := p.rq.deliver(frame, time.Now()); code != 0 {
			p.node.sendFrameLocked(p.nwid, p.laddr, p.raddr,
				frames.NewErrorFrame(p.raddr.Port(), p.laddr.Port(), code, reason))

			if code == frames.CodeMsgSize && p.pendingRead != nil {
				p.pendingRead.finishLocked(ErrMsgSize)
				p.pendingRead = nil
			}
			return
		}

		if p.pendingRead != nil {
			if msg, ok := p.rq.takeReady(); ok {
				p.pendingRead.finishMsgLocked(msg)
				p.pendingRead = nil
			}
		}

	case *frames.DiscReq:
		log.WithFields(log.Fields{
			"pipe": p.laddr,
			"peer": p.raddr,
		}).Debug("Pipe received DISC_REQ")

		if node, destroy := p.closeLocked(false); destroy {
			go node.destroy()
		}

	case *frames.PingReq:
		p.node.sendFrameLocked(p.nwid, p.laddr, p.raddr,
			frames.NewPingAck(p.raddr.Port(), p.laddr.Port()))

	case *frames.PingAck:
		p.pingMissed = 0

	case *frames.ConnAck:
		// Retransmitted acknowledgement of an established pipe.

	case *frames.ErrorFrame:
		log.WithFields(log.Fields{
			"pipe":   p.laddr,
			"peer":   p.raddr,
			"code":   frame.Code,
			"reason": frame.Reason,
		}).Info("Pipe received ERROR frame")

		if frame.Code == frames.CodeNotConn {
			if node, destroy := p.closeLocked(false); destroy {
				go node.destroy()
			}
		}

	default:
		log.WithFields(log.Fields{
			"pipe":  p.laddr,
			"frame": f,
		}).Debug("Pipe dropping unexpected frame")
	}
}
