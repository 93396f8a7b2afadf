// SPDX-FileCopyrightText: 2022 The ztpipe authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frames

import (
	"fmt"
	"io"
)

// DiscReq announces that the sender is closing its side of the pipe. It has
// no body and is sent best-effort; a lost DiscReq is compensated by the
// ping keepalive on pipes that have one set.
type DiscReq struct {
	Header
}

// NewDiscReq creates a DiscReq.
func NewDiscReq(dstPort, srcPort uint32) *DiscReq {
	return &DiscReq{
		Header: Header{
			Opcode:  OpDiscReq,
			DstPort: dstPort,
			SrcPort: srcPort,
		},
	}
}

func (dr DiscReq) String() string {
	return fmt.Sprintf("DISC_REQ(DstPort=%d, SrcPort=%d)", dr.DstPort, dr.SrcPort)
}

func (dr DiscReq) Marshal(w io.Writer) error {
	return dr.Header.Marshal(w)
}

func (dr *DiscReq) Unmarshal(r io.Reader) error {
	if err := dr.Header.Unmarshal(r); err != nil {
		return err
	}
	return dr.Header.expectOpcode(OpDiscReq)
}

// PingReq probes an idle pipe's peer for liveness.
type PingReq struct {
	Header
}

// NewPingReq creates a PingReq.
func NewPingReq(dstPort, srcPort uint32) *PingReq {
	return &PingReq{
		Header: Header{
			Opcode:  OpPingReq,
			DstPort: dstPort,
			SrcPort: srcPort,
		},
	}
}

func (pr PingReq) String() string {
	return fmt.Sprintf("PING_REQ(DstPort=%d, SrcPort=%d)", pr.DstPort, pr.SrcPort)
}

func (pr PingReq) Marshal(w io.Writer) error {
	return pr.Header.Marshal(w)
}

func (pr *PingReq) Unmarshal(r io.Reader) error {
	if err := pr.Header.Unmarshal(r); err != nil {
		return err
	}
	return pr.Header.expectOpcode(OpPingReq)
}

// PingAck answers a PingReq.
type PingAck struct {
	Header
}

// NewPingAck creates a PingAck.
func NewPingAck(dstPort, srcPort uint32) *PingAck {
	return &PingAck{
		Header: Header{
			Opcode:  OpPingAck,
			DstPort: dstPort,
			SrcPort: srcPort,
		},
	}
}

func (pa PingAck) String() string {
	return fmt.Sprintf("PING_ACK(DstPort=%d, SrcPort=%d)", pa.DstPort, pa.SrcPort)
}

func (pa PingAck) Marshal(w io.Writer) error {
	return pa.Header.Marshal(w)
}

func (pa *PingAck) Unmarshal(r io.Reader) error {
	if err := pa.Header.Unmarshal(r); err != nil {
		return err
	}
	return pa.Header.expectOpcode(OpPingAck)
}
